// Package config reads the pipeline's recognized options from the
// environment (optionally seeded from a .env file) and validates them
// before any work begins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Recognized environment options.
const (
	EnvStartDate    = "COMP_START_DATE"
	EnvEndDate      = "COMP_END_DATE"
	EnvInputROI     = "COMP_INPUT_ROI"
	EnvOutputPrefix = "COMP_OUTPUT_PREFIX"
	EnvResolution   = "COMP_RESOLUTION"
	EnvProducts     = "COMP_PRODUCTS"
	EnvCollection   = "COMP_COLLECTION"

	EnvBands           = "COMP_BANDS"
	EnvOuterWorkers    = "COMP_OUTER_WORKERS"
	EnvInnerWorkers    = "COMP_INNER_WORKERS"
	EnvPreserve        = "COMP_PRESERVE_WORKSPACE"
	EnvMinSuccessRatio = "COMP_MIN_SUCCESS_RATIO"
	EnvJournalPath     = "COMP_JOURNAL_PATH"
	EnvTempRoot        = "COMP_TEMP_ROOT"
	EnvMemoryBudgetGB  = "COMP_MEMORY_BUDGET_GB"
)

const dateLayout = "2006-01-02"

// Error reports every missing or malformed option at once, so a bad
// deployment fails one round trip before any work starts.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "configuration: " + strings.Join(e.Problems, "; ")
}

// Config is the validated option set of one pipeline invocation.
type Config struct {
	StartDate    time.Time
	EndDate      time.Time
	ROIPath      string
	OutputPrefix string
	Resolution   float64
	Products     []string
	Collection   string

	// Bands is the band-pool size of the composite collection.
	Bands int

	OuterWorkers      int
	InnerWorkers      int
	PreserveWorkspace bool
	MinSuccessRatio   float64
	JournalPath       string
	TempRoot          string

	// MemoryBudgetGB is the per-invocation engine working-memory budget.
	// The default divides total memory by the inner pool size so the
	// aggregate stays within the host.
	MemoryBudgetGB int
}

// Load reads options from the process environment, seeding it from a .env
// file when one is present.
func Load() (*Config, error) {
	godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config using the given lookup.
func FromEnv(get func(string) string) (*Config, error) {
	var problems []string
	missing := func(key string) string {
		v := get(key)
		if v == "" {
			problems = append(problems, key+" is required")
		}
		return v
	}

	cfg := &Config{
		ROIPath:      missing(EnvInputROI),
		OutputPrefix: missing(EnvOutputPrefix),
		Collection:   missing(EnvCollection),
		Bands:        64,
		InnerWorkers: 8,
		JournalPath:  "compositor_runs.db",
	}

	if v := missing(EnvStartDate); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: bad date %q (want YYYY-MM-DD)", EnvStartDate, v))
		}
		cfg.StartDate = t
	}
	if v := missing(EnvEndDate); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: bad date %q (want YYYY-MM-DD)", EnvEndDate, v))
		}
		cfg.EndDate = t
	}
	if !cfg.StartDate.IsZero() && !cfg.EndDate.IsZero() && cfg.EndDate.Before(cfg.StartDate) {
		problems = append(problems, fmt.Sprintf("%s is before %s", EnvEndDate, EnvStartDate))
	}

	if v := missing(EnvResolution); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			problems = append(problems, fmt.Sprintf("%s: %q is not a positive number", EnvResolution, v))
		}
		cfg.Resolution = r
	}

	if v := missing(EnvProducts); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Products); err != nil || len(cfg.Products) == 0 {
			problems = append(problems, fmt.Sprintf("%s: %q is not a non-empty JSON list", EnvProducts, v))
		}
	}

	if v := get(EnvBands); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems = append(problems, fmt.Sprintf("%s: %q is not a positive integer", EnvBands, v))
		}
		cfg.Bands = n
	}
	if v := get(EnvOuterWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems = append(problems, fmt.Sprintf("%s: %q is not a positive integer", EnvOuterWorkers, v))
		}
		cfg.OuterWorkers = n
	}
	if v := get(EnvInnerWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems = append(problems, fmt.Sprintf("%s: %q is not a positive integer", EnvInnerWorkers, v))
		}
		cfg.InnerWorkers = n
	}
	if v := get(EnvPreserve); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not a boolean", EnvPreserve, v))
		}
		cfg.PreserveWorkspace = b
	}
	if v := get(EnvMinSuccessRatio); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 || r > 1 {
			problems = append(problems, fmt.Sprintf("%s: %q is not in [0,1]", EnvMinSuccessRatio, v))
		}
		cfg.MinSuccessRatio = r
	}
	if v := get(EnvJournalPath); v != "" {
		cfg.JournalPath = v
	}
	cfg.TempRoot = get(EnvTempRoot)

	if v := get(EnvMemoryBudgetGB); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems = append(problems, fmt.Sprintf("%s: %q is not a positive integer", EnvMemoryBudgetGB, v))
		}
		cfg.MemoryBudgetGB = n
	} else if cfg.InnerWorkers > 0 {
		cfg.MemoryBudgetGB = defaultMemoryBudgetGB(totalMemoryGB(), cfg.InnerWorkers)
	}

	if len(problems) > 0 {
		return nil, &Error{Problems: problems}
	}
	return cfg, nil
}

// defaultMemoryBudgetGB splits the host memory across the inner pool,
// never going below one gigabyte per invocation.
func defaultMemoryBudgetGB(totalGB, innerWorkers int) int {
	budget := totalGB / innerWorkers
	if budget < 1 {
		budget = 1
	}
	return budget
}
