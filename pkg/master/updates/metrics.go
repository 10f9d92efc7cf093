package updates

import (
	"github.com/uber-go/tally"
)

// Metrics tracks various metrics at status update pipeline level.
type Metrics struct {
	Sent         tally.Counter
	Retried      tally.Counter
	Redelivered  tally.Counter
	Acknowledged tally.Counter
	Exhausted    tally.Counter
	Inflight     tally.Gauge
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Sent:         scope.Counter("sent"),
		Retried:      scope.Counter("retried"),
		Redelivered:  scope.Counter("redelivered"),
		Acknowledged: scope.Counter("acknowledged"),
		Exhausted:    scope.Counter("exhausted"),
		Inflight:     scope.Gauge("inflight_streams"),
	}
}
