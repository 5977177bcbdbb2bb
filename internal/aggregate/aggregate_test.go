package aggregate

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/geofold/compositor/internal/gdal"
	"github.com/geofold/compositor/internal/roi"
	"github.com/geofold/compositor/internal/workspace"
)

func testScope(t *testing.T) *workspace.Scope {
	t.Helper()
	m, err := workspace.New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m.Root()
}

func testFrame(scope *workspace.Scope) roi.Frame {
	return roi.Frame{
		Path:   scope.Path("reprojected.fgb"),
		CRS:    "EPSG:4326",
		Bounds: gdal.Bounds{MinX: 110, MinY: 0, MaxX: 111, MaxY: 1},
		Shape:  gdal.Shape{Height: 3700, Width: 3700},
	}
}

func TestConcatPointsZeroInputs(t *testing.T) {
	eng := &gdal.Fake{}
	_, err := ConcatPoints(context.Background(), eng, testScope(t), "samples", nil, "samples.fgb")
	if !errors.Is(err, ErrNoInputs) {
		t.Fatalf("expected ErrNoInputs, got %v", err)
	}
	if len(eng.Requests()) != 0 {
		t.Error("engine invoked for empty reduction")
	}
}

func TestConcatPointsSeedsThenAppends(t *testing.T) {
	eng := &gdal.Fake{}
	scope := testScope(t)
	inputs := []string{"/w/f0/points.fgb", "/w/f1/points.fgb", "/w/f2/points.fgb"}

	out, err := ConcatPoints(context.Background(), eng, scope, "samples", inputs, "samples.fgb")
	if err != nil {
		t.Fatalf("ConcatPoints failed: %v", err)
	}
	if out != scope.Path("samples.fgb") {
		t.Errorf("unexpected output %s", out)
	}

	reqs := eng.RequestsFor(gdal.OpVectorTranslate)
	if len(reqs) != 3 {
		t.Fatalf("expected 3 translations, got %d", len(reqs))
	}
	if reqs[0].Params.Append {
		t.Error("first table must seed, not append")
	}
	if diff := cmp.Diff([]string{"SPATIAL_INDEX=YES"}, reqs[0].Params.LayerOptions); diff != "" {
		t.Errorf("spatial index missing on seed (-want +got):\n%s", diff)
	}
	for i, req := range reqs[1:] {
		if !req.Params.Append {
			t.Errorf("translation %d should append", i+1)
		}
		if req.Params.CRS != "EPSG:4326" {
			t.Errorf("CRS not preserved on append: %s", req.Params.CRS)
		}
	}
}

func TestMedianStackZeroInputs(t *testing.T) {
	eng := &gdal.Fake{}
	_, err := MedianStack(context.Background(), eng, testScope(t), [][]string{{}, {}}, RasterSpec{Product: "composite"})
	if !errors.Is(err, ErrNoInputs) {
		t.Fatalf("expected ErrNoInputs, got %v", err)
	}
}

func TestMedianStackRequestShape(t *testing.T) {
	eng := &gdal.Fake{}
	scope := testScope(t)
	frame := testFrame(scope)

	// Three bands, two units each, in canonical unit order.
	bandInputs := [][]string{
		{"/u/2024-06-01/float_band_0.tif", "/u/2024-06-02/float_band_0.tif"},
		{"/u/2024-06-01/float_band_1.tif", "/u/2024-06-02/float_band_1.tif"},
		{"/u/2024-06-01/float_band_2.tif", "/u/2024-06-02/float_band_2.tif"},
	}

	final, err := MedianStack(context.Background(), eng, scope, bandInputs, RasterSpec{
		Product: "composite", Frame: frame, DataType: "UInt16", NoData: "0", MemoryGB: 4,
	})
	if err != nil {
		t.Fatalf("MedianStack failed: %v", err)
	}
	if final != scope.Path("composite.tif") {
		t.Errorf("unexpected final path %s", final)
	}

	medians := eng.RequestsFor(gdal.OpMedian)
	if len(medians) != 3 {
		t.Fatalf("expected 3 median reductions, got %d", len(medians))
	}
	for _, req := range medians {
		if req.Params.Formula != "nanmedian(A,axis=0)" {
			t.Errorf("unexpected formula %s", req.Params.Formula)
		}
	}

	mosaics := eng.RequestsFor(gdal.OpMosaic)
	if len(mosaics) != 1 {
		t.Fatalf("expected 1 stack mosaic, got %d", len(mosaics))
	}
	if !mosaics[0].Params.Separate {
		t.Error("band stack must use separate bands")
	}
	// Bands stacked in canonical index order regardless of completion order.
	wantStack := []string{
		scope.Path("median_band_0.tif"),
		scope.Path("median_band_1.tif"),
		scope.Path("median_band_2.tif"),
	}
	if diff := cmp.Diff(wantStack, mosaics[0].Inputs); diff != "" {
		t.Errorf("stack order (-want +got):\n%s", diff)
	}

	clips := eng.RequestsFor(gdal.OpReprojectClip)
	if len(clips) != 1 {
		t.Fatalf("expected 1 final clip, got %d", len(clips))
	}
	p := clips[0].Params
	if !p.COG || p.Cutline != frame.Path {
		t.Errorf("final clip not COG+cutline: %+v", p)
	}
}

func TestMedianStackOrderIndependentRequests(t *testing.T) {
	run := func(unitOrder []string) [][]string {
		eng := &gdal.Fake{}
		scope := testScope(t)
		bandInputs := [][]string{unitOrder}
		_, err := MedianStack(context.Background(), eng, scope, bandInputs, RasterSpec{Product: "c", Frame: testFrame(scope)})
		if err != nil {
			t.Fatalf("MedianStack failed: %v", err)
		}
		var inputs [][]string
		for _, req := range eng.RequestsFor(gdal.OpMedian) {
			inputs = append(inputs, req.Inputs)
		}
		return inputs
	}

	// Callers sort inputs into canonical unit order before reduction; with
	// that order fixed, the reduction requests are identical.
	canonical := []string{"/u/a/b0.tif", "/u/b/b0.tif", "/u/c/b0.tif"}
	if diff := cmp.Diff(run(canonical), run(canonical)); diff != "" {
		t.Errorf("reduction not deterministic:\n%s", diff)
	}
}

func TestMedianStackBandFailureIsFatal(t *testing.T) {
	eng := &gdal.Fake{
		FailOn: func(req gdal.Request) error {
			if req.Op == gdal.OpMedian && req.Output == "median_band_1.tif" {
				return errors.New("exit status 1")
			}
			return nil
		},
	}
	scope := testScope(t)
	bandInputs := [][]string{{"/u/a/b0.tif"}, {"/u/a/b1.tif"}}

	_, err := MedianStack(context.Background(), eng, scope, bandInputs, RasterSpec{Product: "composite", Frame: testFrame(scope)})
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected aggregate.Error, got %v", err)
	}
	if aerr.Product != "composite" {
		t.Errorf("wrong product in error: %s", aerr.Product)
	}
}

func TestCheckCoverage(t *testing.T) {
	cases := []struct {
		name      string
		expected  int
		collected int
		min       float64
		wantErr   bool
	}{
		{"permissive default", 10, 1, 0, false},
		{"above threshold", 10, 8, 0.5, false},
		{"below threshold", 10, 4, 0.5, true},
		{"empty run", 0, 0, 0.9, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckCoverage("p", tc.expected, tc.collected, tc.min)
			if tc.wantErr {
				var aerr *Error
				if !errors.As(err, &aerr) {
					t.Fatalf("expected aggregate.Error, got %v", err)
				}
				if aerr.Reason == "" {
					t.Error("error lacks counts")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMedianStackCountsPresence(t *testing.T) {
	// Units may be missing for some bands after leaf failures; the present
	// inputs still reduce.
	eng := &gdal.Fake{}
	scope := testScope(t)
	bandInputs := [][]string{
		{"/u/a/b0.tif", "/u/b/b0.tif"},
		{"/u/a/b1.tif"}, // unit b failed this band
	}
	_, err := MedianStack(context.Background(), eng, scope, bandInputs, RasterSpec{Product: "c", Frame: testFrame(scope)})
	if err != nil {
		t.Fatalf("MedianStack failed: %v", err)
	}
	for _, req := range eng.RequestsFor(gdal.OpMedian) {
		if req.Output == "median_band_1.tif" && len(req.Inputs) != 1 {
			t.Errorf("short band should reduce its present inputs, got %v", req.Inputs)
		}
	}
}
