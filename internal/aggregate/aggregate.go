// Package aggregate reduces the per-unit outputs of a run into one final
// artifact: concatenated, spatially-indexed point tables for sample
// products, or per-band median composites stacked into one clipped
// multi-band raster for composite products.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/geofold/compositor/internal/gdal"
	"github.com/geofold/compositor/internal/roi"
	"github.com/geofold/compositor/internal/workspace"
)

// ErrNoInputs marks the degenerate zero-input reduction. Callers skip
// publishing and report "no data" instead of crashing.
var ErrNoInputs = errors.New("aggregate: no inputs")

// Error is fatal for the product whose reduction failed.
type Error struct {
	Product string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aggregate %s: %s: %v", e.Product, e.Reason, e.Err)
	}
	return fmt.Sprintf("aggregate %s: %s", e.Product, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// CheckCoverage enforces the configured minimum success ratio before a
// reduction runs. minRatio zero is permissive: aggregate whatever
// succeeded.
func CheckCoverage(product string, expected, collected int, minRatio float64) error {
	if expected == 0 || minRatio <= 0 {
		return nil
	}
	if ratio := float64(collected) / float64(expected); ratio < minRatio {
		return &Error{
			Product: product,
			Reason:  fmt.Sprintf("only %d of %d expected inputs present (ratio %.2f < %.2f)", collected, expected, ratio, minRatio),
		}
	}
	return nil
}

// ConcatPoints appends the per-feature point tables into one layer and
// writes the result with a spatial index. Inputs must share the target CRS
// and column schema by construction.
func ConcatPoints(ctx context.Context, eng gdal.Invoker, scope *workspace.Scope, product string, inputs []string, output string) (string, error) {
	if len(inputs) == 0 {
		return "", ErrNoInputs
	}

	out, err := eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpVectorTranslate,
		Inputs: inputs[:1],
		Output: output,
		Dir:    scope.Dir(),
		Params: gdal.Params{CRS: roi.CRS, LayerOptions: []string{"SPATIAL_INDEX=YES"}},
	})
	if err != nil {
		return "", &Error{Product: product, Reason: "seed point table", Err: err}
	}
	for _, in := range inputs[1:] {
		if _, err := eng.Apply(ctx, gdal.Request{
			Op:     gdal.OpVectorTranslate,
			Inputs: []string{in},
			Output: output,
			Dir:    scope.Dir(),
			Params: gdal.Params{CRS: roi.CRS, Append: true},
		}); err != nil {
			return "", &Error{Product: product, Reason: "append point table", Err: err}
		}
	}
	log.Printf("aggregate %s: concatenated %d point tables", product, len(inputs))
	return out, nil
}

// RasterSpec parameterizes a median-stack reduction.
type RasterSpec struct {
	Product  string
	Frame    roi.Frame
	Formula  string
	DataType string
	NoData   string
	MemoryGB int

	// Workers bounds concurrent per-band reductions; each median holds the
	// whole unit stack for one band in the engine at once.
	Workers int
}

// MedianStack rank-reduces bandInputs (band index -> one raster per unit,
// in canonical unit order) into per-band composites, stacks them in band
// index order, and clips the stack to the ROI footprint as a
// cloud-optimized raster. The median is order-independent; canonical input
// order keeps intermediate naming deterministic.
func MedianStack(ctx context.Context, eng gdal.Invoker, scope *workspace.Scope, bandInputs [][]string, spec RasterSpec) (string, error) {
	present := 0
	for _, inputs := range bandInputs {
		present += len(inputs)
	}
	if present == 0 {
		return "", ErrNoInputs
	}

	workers := spec.Workers
	if workers < 1 {
		workers = 8
	}
	formula := spec.Formula
	if formula == "" {
		formula = "nanmedian(A,axis=0)"
	}

	medians := make([]string, len(bandInputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for b := range bandInputs {
		band := b
		g.Go(func() error {
			if len(bandInputs[band]) == 0 {
				return &Error{Product: spec.Product, Reason: fmt.Sprintf("band %d has no inputs", band)}
			}
			out, err := eng.Apply(gctx, gdal.Request{
				Op:     gdal.OpMedian,
				Inputs: bandInputs[band],
				Output: fmt.Sprintf("median_band_%d.tif", band),
				Dir:    scope.Dir(),
				Params: gdal.Params{Formula: formula, DataType: spec.DataType, NoData: spec.NoData},
			})
			if err != nil {
				return &Error{Product: spec.Product, Reason: fmt.Sprintf("median for band %d", band), Err: err}
			}
			medians[band] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	stack, err := eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpMosaic,
		Inputs: medians,
		Output: "stack.vrt",
		Dir:    scope.Dir(),
		Params: gdal.Params{Separate: true},
	})
	if err != nil {
		return "", &Error{Product: spec.Product, Reason: "stack bands", Err: err}
	}

	final, err := eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpReprojectClip,
		Inputs: []string{stack},
		Output: "composite.tif",
		Dir:    scope.Dir(),
		Params: gdal.Params{
			CRS:      spec.Frame.CRS,
			Bounds:   &spec.Frame.Bounds,
			Shape:    &spec.Frame.Shape,
			DataType: spec.DataType,
			NoData:   spec.NoData,
			COG:      true,
			Cutline:  spec.Frame.Path,
			MemoryGB: spec.MemoryGB,
		},
	})
	if err != nil {
		return "", &Error{Product: spec.Product, Reason: "final composite", Err: err}
	}
	log.Printf("aggregate %s: %d bands stacked from %d inputs", spec.Product, len(bandInputs), present)
	return final, nil
}
