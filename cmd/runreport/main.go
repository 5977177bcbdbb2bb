// runreport renders an HTML chart of one journaled run: per-unit
// succeeded/failed subtask counts, so a skewed day or a dead granule is
// visible at a glance.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/geofold/compositor/internal/journal"
)

func main() {
	var journalPath string
	var runID string
	var outPath string
	flag.StringVar(&journalPath, "journal", "compositor_runs.db", "path to the run journal")
	flag.StringVar(&runID, "run", "", "run to report (default: latest)")
	flag.StringVar(&outPath, "out", "run_report.html", "output HTML file")
	flag.Parse()

	jrnl, err := journal.Open(journalPath)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	if runID == "" {
		runID, err = jrnl.LatestRunID()
		if err != nil {
			log.Fatalf("no runs in journal: %v", err)
		}
	}
	rec, err := jrnl.Run(runID)
	if err != nil {
		log.Fatalf("load run %s: %v", runID, err)
	}
	units, err := jrnl.Units(runID)
	if err != nil {
		log.Fatalf("load units for %s: %v", runID, err)
	}

	keys := make([]string, 0, len(units))
	succeeded := make([]opts.BarData, 0, len(units))
	failed := make([]opts.BarData, 0, len(units))
	for _, u := range units {
		keys = append(keys, u.UnitKey)
		succeeded = append(succeeded, opts.BarData{Value: u.Succeeded})
		failed = append(failed, opts.BarData{Value: u.Failed})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Compositor Run " + runID, Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s (%s)", rec.Product, rec.Status),
			Subtitle: fmt.Sprintf("run=%s collection=%s %d/%d subtasks: %s", runID, rec.Collection, rec.Collected, rec.Expected, rec.Detail),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(keys).
		AddSeries("succeeded", succeeded).
		AddSeries("failed", failed,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	f, err := os.Create(outPath)
	if err != nil {
		log.Fatalf("create %s: %v", outPath, err)
	}
	defer f.Close()
	if err := bar.Render(f); err != nil {
		log.Fatalf("render chart: %v", err)
	}
	log.Printf("wrote %s (%d units)", outPath, len(units))
}
