package session

import (
	"github.com/uber-go/tally"
)

// Metrics tracks various metrics at session registry level.
type Metrics struct {
	ActiveSessions tally.Gauge
	Subscribed     tally.Counter
	Disconnected   tally.Counter
	Failovers      tally.Counter
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		ActiveSessions: scope.Gauge("active"),
		Subscribed:     scope.Counter("subscribed"),
		Disconnected:   scope.Counter("disconnected"),
		Failovers:      scope.Counter("failovers"),
	}
}
