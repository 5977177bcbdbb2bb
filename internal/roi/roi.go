// Package roi canonicalizes a region of interest into the fixed target
// reference system: a repaired, reprojected geometry plus its bounding box
// and the raster shape implied by a ground resolution.
package roi

import (
	"context"
	"fmt"
	"log"

	"github.com/geofold/compositor/internal/gdal"
	"github.com/geofold/compositor/internal/workspace"
)

// CRS is the fixed target reference system of every pipeline artifact.
const CRS = "EPSG:4326"

// metersPerDegree approximates one degree of arc at the equator.
const metersPerDegree = 111_000

// Frame is the canonical spatial frame of a run.
type Frame struct {
	Path   string
	CRS    string
	Bounds gdal.Bounds
	Shape  gdal.Shape
}

// Engine is the slice of the transform engine the normalizer needs.
type Engine interface {
	Apply(ctx context.Context, req gdal.Request) (string, error)
	LayerExtent(ctx context.Context, path string) (gdal.Bounds, error)
}

// InvalidError reports an ROI that could not be repaired, reprojected, or
// rasterized at the requested resolution.
type InvalidError struct {
	Path string
	Err  error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid ROI %s: %v", e.Path, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// Normalize repairs and reprojects the vector at vectorPath into the run
// scope, then derives bounds and the optimal raster shape for resolution
// (meters per pixel).
func Normalize(ctx context.Context, eng Engine, scope *workspace.Scope, vectorPath string, resolution float64) (Frame, error) {
	if resolution <= 0 {
		return Frame{}, &InvalidError{Path: vectorPath, Err: fmt.Errorf("resolution must be positive, got %g", resolution)}
	}

	reprojected, err := eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpVectorTranslate,
		Inputs: []string{vectorPath},
		Output: "reprojected.fgb",
		Dir:    scope.Dir(),
		Params: gdal.Params{MakeValid: true, CRS: CRS},
	})
	if err != nil {
		return Frame{}, &InvalidError{Path: vectorPath, Err: err}
	}

	bounds, err := eng.LayerExtent(ctx, reprojected)
	if err != nil {
		return Frame{}, &InvalidError{Path: vectorPath, Err: err}
	}
	if !bounds.Valid() {
		return Frame{}, &InvalidError{Path: vectorPath, Err: fmt.Errorf("degenerate extent %+v", bounds)}
	}

	shape := OptimalShape(bounds, resolution)
	if shape.Height < 1 || shape.Width < 1 {
		return Frame{}, &InvalidError{
			Path: vectorPath,
			Err:  fmt.Errorf("extent %+v too small for %gm resolution", bounds, resolution),
		}
	}
	log.Printf("ROI %s: bounds=%+v shape=%dx%d", vectorPath, bounds, shape.Height, shape.Width)

	return Frame{Path: reprojected, CRS: CRS, Bounds: bounds, Shape: shape}, nil
}

// OptimalShape converts a geographic extent into pixel dimensions at the
// given resolution, truncating to whole pixels.
func OptimalShape(b gdal.Bounds, resolution float64) gdal.Shape {
	width := int(abs(b.MaxX-b.MinX) * metersPerDegree / resolution)
	height := int(abs(b.MaxY-b.MinY) * metersPerDegree / resolution)
	return gdal.Shape{Height: height, Width: width}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
