package allocator

import (
	"github.com/uber-go/tally"

	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// Metrics tracks various metrics at allocator level.
type Metrics struct {
	Free      scalar.GaugeMaps
	Allocated scalar.GaugeMaps

	AllocationRuns tally.Counter
	OffersIssued   tally.Counter
	SuppressCalls  tally.Counter
	ReviveCalls    tally.Counter
	WeightUpdates  tally.Counter
	ActiveFilters  tally.Gauge

	AllocateDuration tally.Timer
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	poolScope := scope.SubScope("pool")

	return &Metrics{
		Free:      scalar.NewGaugeMaps(poolScope.SubScope("free")),
		Allocated: scalar.NewGaugeMaps(poolScope.SubScope("allocated")),

		AllocationRuns: scope.Counter("allocation_runs"),
		OffersIssued:   scope.Counter("offers_issued"),
		SuppressCalls:  scope.Counter("suppress_calls"),
		ReviveCalls:    scope.Counter("revive_calls"),
		WeightUpdates:  scope.Counter("weight_updates"),
		ActiveFilters:  scope.Gauge("active_filters"),

		AllocateDuration: scope.Timer("allocate_duration"),
	}
}
