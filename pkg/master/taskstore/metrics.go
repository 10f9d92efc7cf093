package taskstore

import (
	"github.com/uber-go/tally"
)

// Metrics tracks various metrics at task registry level.
type Metrics struct {
	Tasks            tally.Gauge
	Created          tally.Counter
	Terminal         tally.Counter
	Pruned           tally.Counter
	DuplicateUpdates tally.Counter
	LateUpdates      tally.Counter
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Tasks:            scope.Gauge("tasks"),
		Created:          scope.Counter("created"),
		Terminal:         scope.Counter("terminal"),
		Pruned:           scope.Counter("pruned"),
		DuplicateUpdates: scope.Counter("duplicate_updates"),
		LateUpdates:      scope.Counter("late_updates"),
	}
}
