package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func validEnv() map[string]string {
	return map[string]string{
		EnvStartDate:    "2024-06-01",
		EnvEndDate:      "2024-06-30",
		EnvInputROI:     "input/roi.geojson",
		EnvOutputPrefix: "output/region-a",
		EnvResolution:   "30",
		EnvProducts:     `["composite"]`,
		EnvCollection:   "DEMO/COLLECTION",
	}
}

func TestFromEnvComplete(t *testing.T) {
	cfg, err := FromEnv(envMap(validEnv()))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if !cfg.StartDate.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start date wrong: %v", cfg.StartDate)
	}
	if cfg.Resolution != 30 {
		t.Errorf("resolution wrong: %v", cfg.Resolution)
	}
	if len(cfg.Products) != 1 || cfg.Products[0] != "composite" {
		t.Errorf("products wrong: %v", cfg.Products)
	}
	if cfg.InnerWorkers != 8 {
		t.Errorf("inner workers default wrong: %d", cfg.InnerWorkers)
	}
	if cfg.Bands != 64 {
		t.Errorf("band-pool default wrong: %d", cfg.Bands)
	}
	if cfg.MemoryBudgetGB < 1 {
		t.Errorf("memory budget must be at least 1, got %d", cfg.MemoryBudgetGB)
	}
	if cfg.JournalPath == "" {
		t.Error("journal path default missing")
	}
}

func TestFromEnvReportsAllMissingOptions(t *testing.T) {
	_, err := FromEnv(envMap(nil))

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected config.Error, got %v", err)
	}
	for _, key := range []string{
		EnvStartDate, EnvEndDate, EnvInputROI, EnvOutputPrefix,
		EnvResolution, EnvProducts, EnvCollection,
	} {
		if !strings.Contains(cerr.Error(), key) {
			t.Errorf("missing option %s not reported: %s", key, cerr.Error())
		}
	}
}

func TestFromEnvMalformedValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad start date", EnvStartDate, "June 1"},
		{"bad resolution", EnvResolution, "-10"},
		{"bad products", EnvProducts, "composite"},
		{"bad bands", EnvBands, "0"},
		{"bad inner workers", EnvInnerWorkers, "0"},
		{"bad ratio", EnvMinSuccessRatio, "1.5"},
		{"bad preserve", EnvPreserve, "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnv()
			env[tc.key] = tc.value
			_, err := FromEnv(envMap(env))
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected config.Error, got %v", err)
			}
			if !strings.Contains(cerr.Error(), tc.key) {
				t.Errorf("error does not name %s: %s", tc.key, cerr.Error())
			}
		})
	}
}

func TestFromEnvWindowOrdering(t *testing.T) {
	env := validEnv()
	env[EnvStartDate] = "2024-07-01"
	env[EnvEndDate] = "2024-06-01"
	_, err := FromEnv(envMap(env))
	if err == nil {
		t.Fatal("inverted window must fail validation")
	}
}

func TestFromEnvOptionalOverrides(t *testing.T) {
	env := validEnv()
	env[EnvOuterWorkers] = "4"
	env[EnvInnerWorkers] = "2"
	env[EnvMemoryBudgetGB] = "16"
	env[EnvPreserve] = "true"
	env[EnvMinSuccessRatio] = "0.75"
	env[EnvJournalPath] = "/var/lib/compositor/runs.db"

	cfg, err := FromEnv(envMap(env))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.OuterWorkers != 4 || cfg.InnerWorkers != 2 {
		t.Errorf("worker overrides lost: %d/%d", cfg.OuterWorkers, cfg.InnerWorkers)
	}
	if cfg.MemoryBudgetGB != 16 {
		t.Errorf("memory override lost: %d", cfg.MemoryBudgetGB)
	}
	if !cfg.PreserveWorkspace || cfg.MinSuccessRatio != 0.75 {
		t.Errorf("policy overrides lost: %+v", cfg)
	}
}

func TestParseMemTotal(t *testing.T) {
	got := parseMemTotalGB("MemTotal:       32947584 kB\nMemFree: 100 kB\n", 8)
	if got != 31 {
		t.Errorf("parsed %d GB, want 31", got)
	}
	if parseMemTotalGB("garbage", 8) != 8 {
		t.Error("fallback not used for malformed input")
	}
	if parseMemTotalGB("MemTotal: 500000 kB", 8) != 1 {
		t.Error("small hosts clamp to 1 GB")
	}
}

func TestDefaultMemoryBudget(t *testing.T) {
	if defaultMemoryBudgetGB(64, 8) != 8 {
		t.Error("expected 8 GB per invocation on a 64 GB host")
	}
	if defaultMemoryBudgetGB(4, 8) != 1 {
		t.Error("budget must not go below 1 GB")
	}
}
