package partition

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/geofold/compositor/internal/catalog"
)

func feature(id string, ts time.Time, props map[string]string) catalog.Feature {
	return catalog.Feature{ID: id, Timestamp: ts, AssetRef: "asset/" + id, Properties: props}
}

func TestGroupByDayIsSetPartition(t *testing.T) {
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	var features []catalog.Feature
	for i := 0; i < 12; i++ {
		// Four features per day across three days, out of day order.
		ts := base.AddDate(0, 0, i%3).Add(time.Duration(i) * time.Hour)
		features = append(features, feature(fmt.Sprintf("f%02d", i), ts, nil))
	}

	units := Group(features, ByDay)
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}

	seen := make(map[string]int)
	total := 0
	for _, u := range units {
		for _, f := range u.Features {
			seen[f.ID]++
			total++
			if ByDay(f) != u.Key {
				t.Errorf("feature %s in wrong unit %s", f.ID, u.Key)
			}
		}
	}
	if total != len(features) {
		t.Errorf("dropped features: %d of %d grouped", total, len(features))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("feature %s appears %d times", id, n)
		}
	}
}

func TestGroupPreservesOrders(t *testing.T) {
	ts := func(d int) time.Time { return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC) }
	features := []catalog.Feature{
		feature("a", ts(2), nil),
		feature("b", ts(1), nil),
		feature("c", ts(2), nil),
		feature("d", ts(1), nil),
	}

	units := Group(features, ByDay)

	// Units by first appearance; features in input order within each unit.
	wantKeys := []string{"2024-06-02", "2024-06-01"}
	for i, u := range units {
		if u.Key != wantKeys[i] {
			t.Errorf("unit %d key = %s, want %s", i, u.Key, wantKeys[i])
		}
	}
	gotIDs := []string{units[0].Features[0].ID, units[0].Features[1].ID}
	if diff := cmp.Diff([]string{"a", "c"}, gotIDs); diff != "" {
		t.Errorf("feature order within unit (-want +got):\n%s", diff)
	}

	SortByKey(units)
	if units[0].Key != "2024-06-01" {
		t.Errorf("SortByKey did not order units: %s first", units[0].Key)
	}
}

func TestGroupByProperty(t *testing.T) {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	features := []catalog.Feature{
		feature("a", ts, map[string]string{"product": "L2A"}),
		feature("b", ts, map[string]string{"product": "L4A"}),
		feature("c", ts, map[string]string{"product": "L2A"}),
	}

	units := Group(features, ByProperty("product"))
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Key != "L2A" || len(units[0].Features) != 2 {
		t.Errorf("unexpected first unit: %+v", units[0])
	}
}

func TestGroupEmptyInput(t *testing.T) {
	units := Group(nil, ByDay)
	if len(units) != 0 {
		t.Errorf("expected no units for empty input, got %d", len(units))
	}
}
