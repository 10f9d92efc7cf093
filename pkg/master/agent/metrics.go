package agent

import (
	"github.com/uber-go/tally"
)

// Metrics tracks various metrics at agent registry level.
type Metrics struct {
	Agents     tally.Gauge
	Registered tally.Counter
	Removed    tally.Counter
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Agents:     scope.Gauge("known"),
		Registered: scope.Counter("registered"),
		Removed:    scope.Counter("removed"),
	}
}
