package allocator

import (
	"sort"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// dominantShare computes the weighted dominant resource share of one
// framework: the maximum over resource kinds of allocated/capacity, divided
// by the framework's weight. A framework holding nothing has share zero.
func dominantShare(
	allocated scalar.Resources,
	capacity scalar.Resources,
	weight float64) float64 {

	if weight <= 0 {
		weight = 1
	}

	share := 0.0
	for _, kind := range scalar.Kinds {
		total := capacity.Get(kind)
		if total < scalar.ResourceEpsilon {
			continue
		}
		s := allocated.Get(kind) / total
		if s > share {
			share = s
		}
	}
	return share / weight
}

// drfEntry pairs a framework with its current dominant share for sorting.
type drfEntry struct {
	frameworkID api.FrameworkID
	share       float64
}

// sortByShare orders entries by ascending dominant share, breaking ties by
// framework ID for determinism.
func sortByShare(entries []drfEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].share != entries[j].share {
			return entries[i].share < entries[j].share
		}
		return entries[i].frameworkID < entries[j].frameworkID
	})
}
