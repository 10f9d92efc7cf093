package reconciler

import (
	"github.com/uber-go/tally"
)

// Metrics tracks various metrics at reconciliation engine level.
type Metrics struct {
	ExplicitRequests tally.Counter
	ExplicitTasks    tally.Counter
	ImplicitRequests tally.Counter
	Withheld         tally.Counter
	Lost             tally.Counter
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		ExplicitRequests: scope.Counter("explicit_requests"),
		ExplicitTasks:    scope.Counter("explicit_tasks"),
		ImplicitRequests: scope.Counter("implicit_requests"),
		Withheld:         scope.Counter("withheld"),
		Lost:             scope.Counter("lost"),
	}
}
