// Package scheduler fans pipeline work out across two nested bounded worker
// pools: one task per processing unit, and within each unit one task per
// sub-item (band or feature). The two limits are tuned independently; the
// outer pool bounds unit-level concurrency while the inner pool bounds peak
// external-process and memory pressure.
//
// A sub-task failure is recorded against its task identity and absorbed; it
// never cancels siblings or other units. Only context cancellation stops the
// fan-out early. Both levels join completely before Run returns.
package scheduler

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/geofold/compositor/internal/partition"
)

// Options sizes the two pools.
type Options struct {
	// OuterWorkers bounds concurrent units. Defaults to the available
	// parallelism.
	OuterWorkers int

	// InnerWorkers bounds concurrent sub-tasks within a unit. Defaults to
	// 8; choose it so InnerWorkers times the per-invocation memory budget
	// stays within the host's memory.
	InnerWorkers int
}

func (o Options) withDefaults() Options {
	if o.OuterWorkers < 1 {
		o.OuterWorkers = runtime.NumCPU()
	}
	if o.InnerWorkers < 1 {
		o.InnerWorkers = 8
	}
	return o
}

// ExpandFunc reports how many sub-tasks a unit expands into. It must be
// pure: it is consulted once up front for accounting and once per unit.
type ExpandFunc func(unit partition.Unit) int

// SubtaskFunc executes one sub-task and returns the path it produced.
type SubtaskFunc func(ctx context.Context, unit partition.Unit, index int) (string, error)

// Failure records one absorbed sub-task error with its task identity.
type Failure struct {
	Unit  string
	Index int
	Err   error
}

// UnitResult is the joined outcome of one unit. Paths is indexed by
// sub-task slot, empty where that sub-task failed, so callers reassemble
// results by canonical index rather than completion order.
type UnitResult struct {
	Key       string
	Paths     []string
	Succeeded int
	Failed    int
}

// Summary is the full fan-in accounting of a run. Durations records the
// wall time of every sub-task attempt, failed ones included.
type Summary struct {
	Units     []UnitResult
	Expected  int
	Collected int
	Failures  []Failure
	Durations []time.Duration
}

// SuccessRatio is collected over expected sub-tasks; 1.0 for an empty run.
func (s *Summary) SuccessRatio() float64 {
	if s.Expected == 0 {
		return 1
	}
	return float64(s.Collected) / float64(s.Expected)
}

// Run executes all units and joins both levels. The returned error is
// non-nil only when ctx was cancelled; per-leaf failures live in the
// Summary. Units keeps the input order.
func Run(ctx context.Context, units []partition.Unit, opts Options, expand ExpandFunc, run SubtaskFunc) (*Summary, error) {
	opts = opts.withDefaults()

	summary := &Summary{Units: make([]UnitResult, len(units))}
	for i, u := range units {
		n := expand(u)
		summary.Expected += n
		summary.Units[i] = UnitResult{Key: u.Key, Paths: make([]string, n)}
	}

	var mu sync.Mutex
	outer, octx := errgroup.WithContext(ctx)
	outer.SetLimit(opts.OuterWorkers)

	for i := range units {
		unit := units[i]
		result := &summary.Units[i]

		outer.Go(func() error {
			inner, ictx := errgroup.WithContext(octx)
			inner.SetLimit(opts.InnerWorkers)

			for j := range result.Paths {
				index := j
				inner.Go(func() error {
					if err := ictx.Err(); err != nil {
						return err
					}
					start := time.Now()
					path, err := run(ictx, unit, index)
					elapsed := time.Since(start)
					if err != nil {
						// Absorbed at the leaf; siblings keep running.
						log.Printf("unit %s subtask %d failed after %s: %v", unit.Key, index, elapsed.Round(time.Millisecond), err)
						mu.Lock()
						summary.Failures = append(summary.Failures, Failure{Unit: unit.Key, Index: index, Err: err})
						summary.Durations = append(summary.Durations, elapsed)
						mu.Unlock()
						return nil
					}
					// Distinct slot per sub-task by construction.
					result.Paths[index] = path
					mu.Lock()
					summary.Durations = append(summary.Durations, elapsed)
					mu.Unlock()
					return nil
				})
			}
			return inner.Wait()
		})
	}

	err := outer.Wait()

	for i := range summary.Units {
		u := &summary.Units[i]
		for _, p := range u.Paths {
			if p != "" {
				u.Succeeded++
			} else {
				u.Failed++
			}
		}
		summary.Collected += u.Succeeded
	}
	return summary, err
}
