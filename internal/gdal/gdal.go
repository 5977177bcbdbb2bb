// Package gdal exposes the external GDAL/OGR toolchain as a narrow set of
// transform operations. Every operation is synchronous, writes exactly one
// output file into the scope directory it is given, and keeps no state
// between calls, so independent goroutines may invoke it concurrently
// against distinct scopes.
package gdal

import (
	"context"
	"fmt"
)

// Op names one primitive operation of the engine.
type Op string

const (
	// OpReprojectClip warps an input onto the target grid: CRS, bounding
	// box, raster shape, optional band/dtype/nodata selection (gdalwarp).
	OpReprojectClip Op = "reproject-clip"

	// OpExpression evaluates an arithmetic formula over lettered raster
	// inputs (gdal_calc).
	OpExpression Op = "expression"

	// OpMosaic assembles many rasters into one virtual mosaic, optionally
	// stacking each input as its own band (gdalbuildvrt).
	OpMosaic Op = "mosaic"

	// OpMedian rank-reduces a stack of aligned rasters into one composite
	// (gdal_calc over a multi-raster input).
	OpMedian Op = "median"

	// OpVectorTranslate converts, repairs, reprojects, or appends vector
	// layers (ogr2ogr).
	OpVectorTranslate Op = "vector-translate"

	// OpPixelExtract dumps surviving pixels of a raster as an x/y/value
	// table (gdal2xyz).
	OpPixelExtract Op = "pixel-extract"
)

// Bounds is a bounding box in the target reference system,
// ordered (min, min, max, max).
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Valid reports whether the box is non-degenerate with min <= max on both axes.
func (b Bounds) Valid() bool {
	return b.MinX < b.MaxX && b.MinY < b.MaxY
}

// Shape is a raster shape in pixels.
type Shape struct {
	Height, Width int
}

// Params carries the typed parameters of a single invocation. Only the
// fields relevant to the request's Op are consulted.
type Params struct {
	CRS      string
	Bounds   *Bounds
	Shape    *Shape
	DataType string
	NoData   string

	// Raster band selection (gdalwarp -b) and open options (-oo), used to
	// pull named bands out of catalog assets.
	Bands       []int
	OpenOptions []string

	// Expression evaluation: formula over lettered sources, e.g.
	// Sources{"A": pathA, "B": pathB} with Formula "A*(B==0)".
	Formula  string
	Sources  map[string]string
	AllBands string

	// Median reduction over the request inputs; SourceBand selects one
	// band of every input when set.
	SourceBand int

	// Mosaic: stack inputs as separate bands instead of merging.
	Separate bool

	// Final composite output: cloud-optimized driver and footprint clip.
	COG     bool
	Cutline string

	// Vector translation. SQL selects/renames columns on the way through;
	// AssignCRS stamps a reference system onto unreferenced sources.
	MakeValid    bool
	Append       bool
	LayerOptions []string
	SQL          string
	AssignCRS    string

	// Pixel extraction.
	SkipNoData bool

	// Engine working-memory budget in gigabytes; the single coordination
	// point for keeping aggregate concurrent usage within the host.
	MemoryGB int
}

// Request describes one invocation: the operation, its input path(s), and
// the output file name to create under Dir.
type Request struct {
	Op     Op
	Inputs []string
	Output string
	Dir    string
	Params Params
}

// FeatureRecord is one raw feature returned by a catalog query lookup.
type FeatureRecord struct {
	Properties map[string]any `json:"properties"`
}

// Invoker applies one transform operation and returns the output path.
type Invoker interface {
	Apply(ctx context.Context, req Request) (string, error)
}

// Engine is the full capability surface: transforms plus the two read-only
// lookups (layer extent, catalog feature listing) the orchestrator needs.
type Engine interface {
	Invoker
	LayerExtent(ctx context.Context, path string) (Bounds, error)
	Features(ctx context.Context, source string, b Bounds, where string) ([]FeatureRecord, error)
}

// TransformError reports a non-zero termination of the underlying engine.
// It is scoped to the invocation that produced it and is not retryable.
type TransformError struct {
	Op         Op
	ExitDetail string
	Err        error
}

func (e *TransformError) Error() string {
	if e.ExitDetail != "" {
		return fmt.Sprintf("transform %s failed: %v: %s", e.Op, e.Err, e.ExitDetail)
	}
	return fmt.Sprintf("transform %s failed: %v", e.Op, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
