// Package partition groups catalog features into independent processing
// units by a caller-supplied key rule.
package partition

import (
	"sort"

	"github.com/geofold/compositor/internal/catalog"
)

// Unit is a named group of features sharing one partition key. Units form a
// set partition of the input: no feature appears in two units.
type Unit struct {
	Key      string
	Features []catalog.Feature
}

// KeyFunc extracts the partition key of a feature.
type KeyFunc func(catalog.Feature) string

// ByDay keys a feature by the calendar date of its timestamp.
func ByDay(f catalog.Feature) string {
	return f.Timestamp.Format("2006-01-02")
}

// ByProperty keys a feature by the named property value.
func ByProperty(name string) KeyFunc {
	return func(f catalog.Feature) string {
		return f.Properties[name]
	}
}

// Group partitions features by key. Units are ordered by first appearance
// of their key and features keep their input order within a unit.
func Group(features []catalog.Feature, key KeyFunc) []Unit {
	index := make(map[string]int)
	var units []Unit
	for _, f := range features {
		k := key(f)
		i, ok := index[k]
		if !ok {
			i = len(units)
			index[k] = i
			units = append(units, Unit{Key: k})
		}
		units[i].Features = append(units[i].Features, f)
	}
	return units
}

// SortByKey orders units lexicographically by key, the canonical reduction
// order for date-keyed composites.
func SortByKey(units []Unit) {
	sort.Slice(units, func(i, j int) bool { return units[i].Key < units[j].Key })
}
