package offerpool

import (
	"github.com/uber-go/tally"
)

// Metrics tracks various metrics at offer pool level.
type Metrics struct {
	Outstanding tally.Gauge
	Expired     tally.Counter
	Rescinded   tally.Counter
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Outstanding: scope.Gauge("outstanding"),
		Expired:     scope.Counter("expired"),
		Rescinded:   scope.Counter("rescinded"),
	}
}
