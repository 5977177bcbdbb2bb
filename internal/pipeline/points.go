package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/geofold/compositor/internal/aggregate"
	"github.com/geofold/compositor/internal/catalog"
	"github.com/geofold/compositor/internal/gdal"
	"github.com/geofold/compositor/internal/journal"
	"github.com/geofold/compositor/internal/partition"
	"github.com/geofold/compositor/internal/report"
	"github.com/geofold/compositor/internal/roi"
	"github.com/geofold/compositor/internal/scheduler"
	"github.com/geofold/compositor/internal/workspace"
)

// PointProduct describes one sample-extraction product: which band carries
// the measurement, what the output column is called, the unit multiplier,
// and the quality-flag bands that gate a pixel's validity.
type PointProduct struct {
	ID           string
	Band         string
	Column       string
	Multiplier   int
	QualityFlags []string
}

var pointProducts = map[string]PointProduct{
	"GEDI02_A": {
		ID:           "GEDI02_A",
		Band:         "rh98",
		Column:       "CHM",
		Multiplier:   1,
		QualityFlags: []string{"quality_flag"},
	},
	"GEDI02_B": {
		ID:           "GEDI02_B",
		Band:         "cover",
		Column:       "treecover",
		Multiplier:   100,
		QualityFlags: []string{"l2b_quality_flag"},
	},
	"GEDI04_A": {
		ID:           "GEDI04_A",
		Band:         "agbd",
		Column:       "AGB",
		Multiplier:   1,
		QualityFlags: []string{"l2_quality_flag", "l4_quality_flag"},
	},
}

// Short level names accepted alongside the full collection IDs.
var pointAliases = map[string]string{
	"L2A": "GEDI02_A",
	"L2B": "GEDI02_B",
	"L4A": "GEDI04_A",
}

func resolvePointProduct(id string) (PointProduct, bool) {
	if full, ok := pointAliases[id]; ok {
		id = full
	}
	pp, ok := pointProducts[id]
	return pp, ok
}

func pointCollection(id string) string {
	return "LARSE/GEDI/" + id + "_002_MONTHLY"
}

// runPointSample extracts valid measurement pixels from every observation
// in the window as point records, concatenates them into one
// spatially-indexed layer, and publishes it. One unit per observation; the
// outer pool carries the parallelism.
func (p *Pipeline) runPointSample(ctx context.Context, pp PointProduct, frame roi.Frame) error {
	runID := uuid.NewString()
	collection := pointCollection(pp.ID)
	if err := p.jrnl.BeginRun(runID, pp.ID, collection, time.Now()); err != nil {
		return err
	}

	feats, err := p.cat.Search(ctx, collection, frame.Bounds, p.cfg.StartDate, p.cfg.EndDate)
	if err != nil {
		p.finish(runID, journal.StatusFailed, 0, 0, err.Error())
		return err
	}
	units := partition.Group(feats, func(f catalog.Feature) string { return f.ID })
	if len(units) == 0 {
		log.Printf("run %s (%s): no features in window, nothing to do", runID, pp.ID)
		p.finish(runID, journal.StatusNoData, 0, 0, "no catalog features in window")
		return nil
	}
	log.Printf("run %s (%s): %d observations", runID, pp.ID, len(units))

	scope, unitScopes, err := p.unitScopes(pp.ID, units)
	if err != nil {
		p.finish(runID, journal.StatusFailed, 0, 0, err.Error())
		return err
	}

	sum, err := scheduler.Run(ctx, units,
		scheduler.Options{OuterWorkers: p.cfg.OuterWorkers, InnerWorkers: p.cfg.InnerWorkers},
		func(partition.Unit) int { return 1 },
		func(ctx context.Context, unit partition.Unit, _ int) (string, error) {
			return p.sampleFeature(ctx, unitScopes[unit.Key], frame, pp, unit.Features[0])
		})
	if err != nil {
		p.finish(runID, journal.StatusFailed, 0, 0, err.Error())
		return err
	}
	if err := p.jrnl.RecordSummary(runID, sum); err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}
	rep := report.Build(runID, pp.ID, sum)
	rep.Log()

	if sum.Collected == 0 {
		p.finish(runID, journal.StatusNoData, sum.Expected, 0, "no observation produced data")
		return nil
	}
	if err := aggregate.CheckCoverage(pp.ID, sum.Expected, sum.Collected, p.cfg.MinSuccessRatio); err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}

	tables := make([]string, 0, sum.Collected)
	for _, u := range sum.Units {
		if path := u.Paths[0]; path != "" {
			tables = append(tables, path)
		}
	}
	name := "GEDI_" + pp.ID + ".fgb"
	final, err := aggregate.ConcatPoints(ctx, p.eng, scope, pp.ID, tables, name)
	if err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}

	dest, err := p.pub.Publish(final, name)
	if err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}
	log.Printf("run %s (%s): published %s", runID, pp.ID, dest)
	p.finish(runID, journal.StatusSucceeded, sum.Expected, sum.Collected, rep.Detail())
	return nil
}

// sampleFeature is one leaf: fetch the flag bands and the measurement
// band, mask to valid pixels, and dump the survivors as a point table with
// the product's column name.
func (p *Pipeline) sampleFeature(ctx context.Context, scope *workspace.Scope, frame roi.Frame, pp PointProduct, f catalog.Feature) (string, error) {
	fetch := func(bandName, dtype string) (string, error) {
		return p.eng.Apply(ctx, gdal.Request{
			Op:     gdal.OpReprojectClip,
			Inputs: []string{f.AssetRef},
			Output: bandName + ".tif",
			Dir:    scope.Dir(),
			Params: gdal.Params{
				CRS:      frame.CRS,
				Bounds:   &frame.Bounds,
				Shape:    &frame.Shape,
				DataType: dtype,
				OpenOptions: []string{
					"PIXEL_ENCODING=GEO_TIFF",
					"BANDS=" + bandName,
				},
				MemoryGB: p.cfg.MemoryBudgetGB,
			},
		})
	}

	degrade, err := fetch("degrade_flag", "Byte")
	if err != nil {
		return "", fmt.Errorf("degrade flag of %s: %w", f.ID, err)
	}
	flags := make([]string, 0, len(pp.QualityFlags))
	for _, q := range pp.QualityFlags {
		flag, err := fetch(q, "Byte")
		if err != nil {
			return "", fmt.Errorf("quality flag %s of %s: %w", q, f.ID, err)
		}
		flags = append(flags, flag)
	}
	measure, err := fetch(pp.Band, "Float32")
	if err != nil {
		return "", fmt.Errorf("band %s of %s: %w", pp.Band, f.ID, err)
	}

	// Valid pixel: not degraded, every quality flag set. Anything else
	// multiplies to 0 and falls out as nodata.
	sources := map[string]string{"A": measure, "B": degrade, "C": flags[0]}
	formula := fmt.Sprintf("A * %d * (B == 0) * (C == 1)", pp.Multiplier)
	if len(flags) > 1 {
		sources["D"] = flags[1]
		formula += " * (D == 1)"
	}
	valid, err := p.eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpExpression,
		Output: "valid.tif",
		Dir:    scope.Dir(),
		Params: gdal.Params{
			Sources:  sources,
			Formula:  formula,
			DataType: "UInt16",
			NoData:   "0",
		},
	})
	if err != nil {
		return "", fmt.Errorf("validity mask for %s: %w", f.ID, err)
	}

	points, err := p.eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpPixelExtract,
		Inputs: []string{valid},
		Output: "points.csv",
		Dir:    scope.Dir(),
		Params: gdal.Params{SkipNoData: true},
	})
	if err != nil {
		return "", fmt.Errorf("pixel extract for %s: %w", f.ID, err)
	}

	table, err := p.eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpVectorTranslate,
		Inputs: []string{points},
		Output: "samples.fgb",
		Dir:    scope.Dir(),
		Params: gdal.Params{
			AssignCRS:   roi.CRS,
			SQL:         fmt.Sprintf("SELECT Z AS %s FROM points", pp.Column),
			OpenOptions: []string{"X_POSSIBLE_NAMES=X", "Y_POSSIBLE_NAMES=Y"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("point table for %s: %w", f.ID, err)
	}
	return table, nil
}
