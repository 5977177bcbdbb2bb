// Package report turns a scheduler summary into the run's final accounting:
// which units and sub-tasks failed, expected versus aggregated inputs, and
// sub-task duration statistics. A composite must never look complete while
// missing recorded contributors, so the counts here always travel with the
// published artifact's journal entry.
package report

import (
	"fmt"
	"log"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/geofold/compositor/internal/scheduler"
)

// Run is the user-visible outcome of one product run.
type Run struct {
	RunID     string
	Product   string
	Units     int
	EmptyUnit int
	Expected  int
	Collected int
	Failures  []scheduler.Failure
	NoData    bool

	MeanDuration time.Duration
	P50Duration  time.Duration
	P90Duration  time.Duration
}

// Build assembles the report for one run.
func Build(runID, product string, sum *scheduler.Summary) *Run {
	r := &Run{
		RunID:     runID,
		Product:   product,
		Units:     len(sum.Units),
		Expected:  sum.Expected,
		Collected: sum.Collected,
		Failures:  sum.Failures,
		NoData:    len(sum.Units) == 0,
	}
	for _, u := range sum.Units {
		if u.Succeeded == 0 {
			r.EmptyUnit++
		}
	}
	r.MeanDuration, r.P50Duration, r.P90Duration = durationStats(sum.Durations)
	return r
}

// Detail is the one-line form recorded in the journal.
func (r *Run) Detail() string {
	if r.NoData {
		return "no data: no catalog features in window"
	}
	return fmt.Sprintf("%d/%d subtasks aggregated across %d units, %d failed",
		r.Collected, r.Expected, r.Units, len(r.Failures))
}

// Log prints the report.
func (r *Run) Log() {
	if r.NoData {
		log.Printf("run %s (%s): no data in window, nothing published", r.RunID, r.Product)
		return
	}
	log.Printf("run %s (%s): %d units, %d/%d subtasks succeeded (mean %s, p50 %s, p90 %s)",
		r.RunID, r.Product, r.Units, r.Collected, r.Expected,
		r.MeanDuration.Round(time.Millisecond),
		r.P50Duration.Round(time.Millisecond),
		r.P90Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		log.Printf("run %s: unit %s subtask %d failed: %v", r.RunID, f.Unit, f.Index, f.Err)
	}
	if r.EmptyUnit > 0 {
		log.Printf("run %s: %d units contributed no data", r.RunID, r.EmptyUnit)
	}
}

func durationStats(durs []time.Duration) (mean, p50, p90 time.Duration) {
	if len(durs) == 0 {
		return 0, 0, 0
	}
	xs := make([]float64, len(durs))
	for i, d := range durs {
		xs[i] = float64(d)
	}
	sort.Float64s(xs)
	mean = time.Duration(stat.Mean(xs, nil))
	p50 = time.Duration(stat.Quantile(0.5, stat.Empirical, xs, nil))
	p90 = time.Duration(stat.Quantile(0.9, stat.Empirical, xs, nil))
	return mean, p50, p90
}
