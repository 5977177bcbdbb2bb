package roi

import (
	"context"
	"errors"
	"testing"

	"github.com/geofold/compositor/internal/gdal"
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

func TestNormalizeOneDegreeSquareAt30m(t *testing.T) {
	eng := &gdal.Fake{Extent: gdal.Bounds{MinX: 110, MinY: 0, MaxX: 111, MaxY: 1}}

	frame, err := Normalize(context.Background(), eng, testScope(t), "roi.geojson", 30)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if frame.CRS != "EPSG:4326" {
		t.Errorf("wrong CRS %s", frame.CRS)
	}
	// 1 degree at 111000 m/deg over 30 m/px.
	if frame.Shape.Height != 3700 || frame.Shape.Width != 3700 {
		t.Errorf("expected 3700x3700, got %dx%d", frame.Shape.Height, frame.Shape.Width)
	}

	reqs := eng.RequestsFor(gdal.OpVectorTranslate)
	if len(reqs) != 1 {
		t.Fatalf("expected one vector-translate, got %d", len(reqs))
	}
	if !reqs[0].Params.MakeValid {
		t.Error("geometry repair not requested")
	}
}

func TestNormalizeShapeInvariants(t *testing.T) {
	cases := []struct {
		name       string
		bounds     gdal.Bounds
		resolution float64
		wantErr    bool
	}{
		{"unit square 30m", gdal.Bounds{MinX: 110, MinY: 0, MaxX: 111, MaxY: 1}, 30, false},
		{"small box coarse", gdal.Bounds{MinX: 110, MinY: 0, MaxX: 110.001, MaxY: 0.001}, 10, false},
		{"sub-pixel extent", gdal.Bounds{MinX: 110, MinY: 0, MaxX: 110.0000001, MaxY: 0.0000001}, 30, true},
		{"inverted bounds", gdal.Bounds{MinX: 111, MinY: 1, MaxX: 110, MaxY: 0}, 30, true},
		{"zero resolution", gdal.Bounds{MinX: 110, MinY: 0, MaxX: 111, MaxY: 1}, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &gdal.Fake{Extent: tc.bounds}
			frame, err := Normalize(context.Background(), eng, testScope(t), "roi.geojson", tc.resolution)
			if tc.wantErr {
				var ierr *InvalidError
				if !errors.As(err, &ierr) {
					t.Fatalf("expected InvalidError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if frame.Shape.Height < 1 || frame.Shape.Width < 1 {
				t.Errorf("shape not strictly positive: %+v", frame.Shape)
			}
			b := frame.Bounds
			if b.MinX > b.MaxX || b.MinY > b.MaxY {
				t.Errorf("bounds ordering violated: %+v", b)
			}
		})
	}
}

func TestNormalizeRepairFailure(t *testing.T) {
	eng := &gdal.Fake{
		Extent: gdal.Bounds{MinX: 110, MinY: 0, MaxX: 111, MaxY: 1},
		FailOn: func(req gdal.Request) error {
			return errors.New("GEOS error: self-intersection")
		},
	}

	_, err := Normalize(context.Background(), eng, testScope(t), "broken.geojson", 30)
	var ierr *InvalidError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
	if ierr.Path != "broken.geojson" {
		t.Errorf("wrong path in error: %s", ierr.Path)
	}
}
