// Package catalog queries the remote observation catalog for features
// intersecting a bounding box within a date window.
package catalog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/geofold/compositor/internal/gdal"
)

// sourcePrefix addresses public catalog collections through the engine's
// Earth Engine data access driver.
const sourcePrefix = "EEDA:projects/earthengine-public/assets/"

// timeLayout is the timestamp format the catalog exposes in feature
// properties and accepts in query clauses.
const timeLayout = "2006/01/02 15:04:05"

// Feature is one catalog observation. Immutable once returned; downstream
// stages treat it read-only.
type Feature struct {
	ID         string
	Timestamp  time.Time
	AssetRef   string
	Properties map[string]string
}

// Searcher finds features for a collection, box, and inclusive date window.
type Searcher interface {
	Search(ctx context.Context, collection string, b gdal.Bounds, start, end time.Time) ([]Feature, error)
}

// QueryError reports a transport or query-syntax failure. An empty result
// set is not an error.
type QueryError struct {
	Collection string
	Err        error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("catalog query %s: %v", e.Collection, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Querier is the slice of the engine the client needs.
type Querier interface {
	Features(ctx context.Context, source string, b gdal.Bounds, where string) ([]gdal.FeatureRecord, error)
}

// Client is the production Searcher, backed by the engine's catalog driver.
type Client struct {
	engine Querier
}

// NewClient returns a Client over the given engine.
func NewClient(engine Querier) *Client {
	return &Client{engine: engine}
}

// Search lists the features of collection intersecting b between start and
// end. Date boundaries are inclusive whole days: start at 00:00:00, end at
// 23:59:59.
func (c *Client) Search(ctx context.Context, collection string, b gdal.Bounds, start, end time.Time) ([]Feature, error) {
	where := fmt.Sprintf(
		"startTime >= '%s' AND endTime <= '%s'",
		dayStart(start).Format(timeLayout),
		dayEnd(end).Format(timeLayout),
	)

	records, err := c.engine.Features(ctx, sourcePrefix+collection, b, where)
	if err != nil {
		return nil, &QueryError{Collection: collection, Err: err}
	}

	features := make([]Feature, 0, len(records))
	for i, rec := range records {
		f, err := fromRecord(rec)
		if err != nil {
			return nil, &QueryError{Collection: collection, Err: fmt.Errorf("feature %d: %w", i, err)}
		}
		features = append(features, f)
	}
	log.Printf("catalog %s: %d features in window %s..%s",
		collection, len(features), start.Format("2006-01-02"), end.Format("2006-01-02"))
	return features, nil
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

// fromRecord lifts a raw record into a Feature. The asset reference is the
// locator the transform engine resolves directly.
func fromRecord(rec gdal.FeatureRecord) (Feature, error) {
	props := make(map[string]string, len(rec.Properties))
	for k, v := range rec.Properties {
		props[k] = fmt.Sprint(v)
	}

	id, ok := props["id"]
	if !ok || id == "" {
		return Feature{}, fmt.Errorf("missing id property")
	}
	asset, ok := props["gdal_dataset"]
	if !ok || asset == "" {
		return Feature{}, fmt.Errorf("feature %s: missing gdal_dataset property", id)
	}

	ts, err := time.Parse(timeLayout, props["startTime"])
	if err != nil {
		return Feature{}, fmt.Errorf("feature %s: bad startTime %q: %w", id, props["startTime"], err)
	}

	return Feature{ID: id, Timestamp: ts, AssetRef: asset, Properties: props}, nil
}

// Fake is an in-memory Searcher for tests.
type Fake struct {
	Features []Feature
	Err      error
}

func (f *Fake) Search(context.Context, string, gdal.Bounds, time.Time, time.Time) ([]Feature, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Features, nil
}
