// Package pipeline drives the product runs: for each configured product it
// normalizes the ROI, queries the catalog, fans the per-observation
// transforms out through the scheduler, reduces the survivors into one
// artifact, and publishes it. Products run independently; one product
// failing does not stop the others, and the journal keeps the per-product
// outcome either way.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geofold/compositor/internal/aggregate"
	"github.com/geofold/compositor/internal/catalog"
	"github.com/geofold/compositor/internal/config"
	"github.com/geofold/compositor/internal/gdal"
	"github.com/geofold/compositor/internal/journal"
	"github.com/geofold/compositor/internal/partition"
	"github.com/geofold/compositor/internal/publish"
	"github.com/geofold/compositor/internal/report"
	"github.com/geofold/compositor/internal/roi"
	"github.com/geofold/compositor/internal/scheduler"
	"github.com/geofold/compositor/internal/workspace"
)

// ProductComposite is the median-stacked raster product; every other
// configured product ID names a point-sample product.
const ProductComposite = "composite"

// rescaleFormula maps the collection's [-1, 1] embedding values onto
// UInt16 with 0 reserved for nodata, matching the upstream collection's
// published rescaling.
const rescaleFormula = "((A != -9999) * ((A + 1) * 5000)) + ((A == -9999) * 0)"

// Journal is the run accounting the pipeline writes. *journal.Journal
// implements it.
type Journal interface {
	BeginRun(runID, product, collection string, startedAt time.Time) error
	RecordSummary(runID string, sum *scheduler.Summary) error
	FinishRun(runID, status string, expected, collected int, detail string) error
}

// Pipeline owns one invocation's collaborators. All dependencies are
// injected; nothing here reaches for package globals.
type Pipeline struct {
	cfg  *config.Config
	eng  gdal.Engine
	cat  catalog.Searcher
	jrnl Journal
	ws   *workspace.Manager
	pub  *publish.Publisher
}

func New(cfg *config.Config, eng gdal.Engine, cat catalog.Searcher, jrnl Journal, ws *workspace.Manager, pub *publish.Publisher) *Pipeline {
	return &Pipeline{cfg: cfg, eng: eng, cat: cat, jrnl: jrnl, ws: ws, pub: pub}
}

// Run normalizes the ROI once, then runs every configured product against
// the shared frame. A product failure is logged and recorded but does not
// stop the remaining products; Run reports which products failed at the
// end. Context cancellation stops everything.
func (p *Pipeline) Run(ctx context.Context) error {
	log.Printf("pipeline: loading ROI %s", p.cfg.ROIPath)
	frame, err := roi.Normalize(ctx, p.eng, p.ws.Root(), p.cfg.ROIPath, p.cfg.Resolution)
	if err != nil {
		return err
	}
	log.Printf("pipeline: frame %dx%d px over (%g, %g, %g, %g)",
		frame.Shape.Width, frame.Shape.Height,
		frame.Bounds.MinX, frame.Bounds.MinY, frame.Bounds.MaxX, frame.Bounds.MaxY)

	var failed []string
	for _, id := range p.cfg.Products {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.runProduct(ctx, id, frame); err != nil {
			log.Printf("pipeline: product %s failed: %v", id, err)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d products failed: %s",
			len(failed), len(p.cfg.Products), strings.Join(failed, ", "))
	}
	return nil
}

func (p *Pipeline) runProduct(ctx context.Context, id string, frame roi.Frame) error {
	if id == ProductComposite {
		return p.runComposite(ctx, frame)
	}
	pp, ok := resolvePointProduct(id)
	if !ok {
		return fmt.Errorf("unknown product %q", id)
	}
	return p.runPointSample(ctx, pp, frame)
}

// runComposite partitions the catalog window by day, derives one rescaled
// mosaic per unit and band, median-stacks the survivors per band, and
// publishes the stacked cloud-optimized composite.
func (p *Pipeline) runComposite(ctx context.Context, frame roi.Frame) error {
	runID := uuid.NewString()
	if err := p.jrnl.BeginRun(runID, ProductComposite, p.cfg.Collection, time.Now()); err != nil {
		return err
	}

	feats, err := p.cat.Search(ctx, p.cfg.Collection, frame.Bounds, p.cfg.StartDate, p.cfg.EndDate)
	if err != nil {
		p.finish(runID, journal.StatusFailed, 0, 0, err.Error())
		return err
	}
	units := partition.Group(feats, partition.ByDay)
	partition.SortByKey(units)
	if len(units) == 0 {
		log.Printf("run %s (%s): no features in window, nothing to do", runID, ProductComposite)
		p.finish(runID, journal.StatusNoData, 0, 0, "no catalog features in window")
		return nil
	}
	log.Printf("run %s (%s): %d features across %d days", runID, ProductComposite, len(feats), len(units))

	scope, unitScopes, err := p.unitScopes(ProductComposite, units)
	if err != nil {
		p.finish(runID, journal.StatusFailed, 0, 0, err.Error())
		return err
	}

	sum, err := scheduler.Run(ctx, units,
		scheduler.Options{OuterWorkers: p.cfg.OuterWorkers, InnerWorkers: p.cfg.InnerWorkers},
		func(partition.Unit) int { return p.cfg.Bands },
		func(ctx context.Context, unit partition.Unit, band int) (string, error) {
			return p.compositeBand(ctx, unitScopes[unit.Key], frame, unit, band)
		})
	if err != nil {
		p.finish(runID, journal.StatusFailed, 0, 0, err.Error())
		return err
	}
	if err := p.jrnl.RecordSummary(runID, sum); err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}
	rep := report.Build(runID, ProductComposite, sum)
	rep.Log()

	if sum.Collected == 0 {
		p.finish(runID, journal.StatusNoData, sum.Expected, 0, "no subtask produced data")
		return nil
	}
	if err := aggregate.CheckCoverage(ProductComposite, sum.Expected, sum.Collected, p.cfg.MinSuccessRatio); err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}

	// Band-slot b of every unit holds that unit's composite for band b;
	// collect per band across units, in canonical unit order.
	bandInputs := make([][]string, p.cfg.Bands)
	for b := range bandInputs {
		for _, u := range sum.Units {
			if path := u.Paths[b]; path != "" {
				bandInputs[b] = append(bandInputs[b], path)
			}
		}
	}
	final, err := aggregate.MedianStack(ctx, p.eng, scope, bandInputs, aggregate.RasterSpec{
		Product:  ProductComposite,
		Frame:    frame,
		DataType: "UInt16",
		NoData:   "0",
		MemoryGB: p.cfg.MemoryBudgetGB,
		Workers:  p.cfg.InnerWorkers,
	})
	if err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}

	dest, err := p.pub.Publish(final, "composite.tif")
	if err != nil {
		p.finish(runID, journal.StatusFailed, sum.Expected, sum.Collected, err.Error())
		return err
	}
	log.Printf("run %s (%s): published %s", runID, ProductComposite, dest)
	p.finish(runID, journal.StatusSucceeded, sum.Expected, sum.Collected, rep.Detail())
	return nil
}

// compositeBand is one leaf: pull the band out of every observation of the
// unit, mosaic, clip to a sentinel nodata, rescale to UInt16, and hand back
// a Float32/NaN raster ready for the median reduction.
func (p *Pipeline) compositeBand(ctx context.Context, scope *workspace.Scope, frame roi.Frame, unit partition.Unit, band int) (string, error) {
	cuts := make([]string, 0, len(unit.Features))
	for i, f := range unit.Features {
		cut, err := p.eng.Apply(ctx, gdal.Request{
			Op:     gdal.OpReprojectClip,
			Inputs: []string{f.AssetRef},
			Output: fmt.Sprintf("cut_%d_band_%d.tif", i, band),
			Dir:    scope.Dir(),
			Params: gdal.Params{
				CRS:      frame.CRS,
				Bounds:   &frame.Bounds,
				Shape:    &frame.Shape,
				DataType: "Float32",
				NoData:   "nan",
				OpenOptions: []string{
					"PIXEL_ENCODING=GEO_TIFF",
					fmt.Sprintf("BANDS=A%02d", band),
				},
				MemoryGB: p.cfg.MemoryBudgetGB,
			},
		})
		if err != nil {
			return "", fmt.Errorf("band %d of %s: %w", band, f.ID, err)
		}
		cuts = append(cuts, cut)
	}

	vrt, err := p.eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpMosaic,
		Inputs: cuts,
		Output: fmt.Sprintf("mosaic_band_%d.vrt", band),
		Dir:    scope.Dir(),
	})
	if err != nil {
		return "", fmt.Errorf("mosaic band %d: %w", band, err)
	}

	cut, err := p.eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpReprojectClip,
		Inputs: []string{vrt},
		Output: fmt.Sprintf("cut_band_%d.tif", band),
		Dir:    scope.Dir(),
		Params: gdal.Params{
			CRS:      frame.CRS,
			Bounds:   &frame.Bounds,
			Shape:    &frame.Shape,
			DataType: "Float32",
			NoData:   "-9999",
			MemoryGB: p.cfg.MemoryBudgetGB,
		},
	})
	if err != nil {
		return "", fmt.Errorf("cut band %d: %w", band, err)
	}

	rescaled, err := p.eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpExpression,
		Output: fmt.Sprintf("rescale_band_%d.tif", band),
		Dir:    scope.Dir(),
		Params: gdal.Params{
			Sources:  map[string]string{"A": cut},
			Formula:  rescaleFormula,
			DataType: "UInt16",
			NoData:   "0",
		},
	})
	if err != nil {
		return "", fmt.Errorf("rescale band %d: %w", band, err)
	}

	// The median reduction wants NaN-aware inputs.
	out, err := p.eng.Apply(ctx, gdal.Request{
		Op:     gdal.OpReprojectClip,
		Inputs: []string{rescaled},
		Output: fmt.Sprintf("float_band_%d.tif", band),
		Dir:    scope.Dir(),
		Params: gdal.Params{
			CRS:      frame.CRS,
			Bounds:   &frame.Bounds,
			Shape:    &frame.Shape,
			DataType: "Float32",
			NoData:   "nan",
			MemoryGB: p.cfg.MemoryBudgetGB,
		},
	})
	if err != nil {
		return "", fmt.Errorf("widen band %d: %w", band, err)
	}
	return out, nil
}

// unitScopes creates the product scope plus one child scope per unit, so
// same-named intermediates of different units never collide.
func (p *Pipeline) unitScopes(product string, units []partition.Unit) (*workspace.Scope, map[string]*workspace.Scope, error) {
	scope, err := p.ws.Root().Sub(product)
	if err != nil {
		return nil, nil, err
	}
	scopes := make(map[string]*workspace.Scope, len(units))
	for _, u := range units {
		s, err := scope.Sub(u.Key)
		if err != nil {
			return nil, nil, err
		}
		scopes[u.Key] = s
	}
	return scope, scopes, nil
}

func (p *Pipeline) finish(runID, status string, expected, collected int, detail string) {
	if err := p.jrnl.FinishRun(runID, status, expected, collected, detail); err != nil {
		log.Printf("pipeline: journal finish for run %s: %v", runID, err)
	}
}
