package master

import (
	"github.com/uber-go/tally"
)

// Metrics tracks various metrics at master level.
type Metrics struct {
	EventsProcessed tally.Counter
	EventsDropped   tally.Counter
	QueueLength     tally.Gauge

	CallErrors   tally.Counter
	AuthDenied   tally.Counter
	TasksLost    tally.Counter
	TasksKilled  tally.Counter
	TasksCreated tally.Counter

	SubscribeCalls     tally.Counter
	AcceptCalls        tally.Counter
	DeclineCalls       tally.Counter
	KillCalls          tally.Counter
	AcknowledgeCalls   tally.Counter
	ReconcileCalls     tally.Counter
	ReviveCalls        tally.Counter
	SuppressCalls      tally.Counter
	TeardownCalls      tally.Counter
	UpdateWeightsCalls tally.Counter
}

// NewMetrics returns a new Metrics struct, with all metrics initialized and
// rooted at the given tally.Scope.
func NewMetrics(scope tally.Scope) *Metrics {
	callScope := scope.SubScope("calls")
	return &Metrics{
		EventsProcessed: scope.Counter("events_processed"),
		EventsDropped:   scope.Counter("events_dropped"),
		QueueLength:     scope.Gauge("queue_length"),

		CallErrors:   scope.Counter("call_errors"),
		AuthDenied:   scope.Counter("auth_denied"),
		TasksLost:    scope.Counter("tasks_lost"),
		TasksKilled:  scope.Counter("tasks_killed"),
		TasksCreated: scope.Counter("tasks_created"),

		SubscribeCalls:     callScope.Counter("subscribe"),
		AcceptCalls:        callScope.Counter("accept"),
		DeclineCalls:       callScope.Counter("decline"),
		KillCalls:          callScope.Counter("kill"),
		AcknowledgeCalls:   callScope.Counter("acknowledge"),
		ReconcileCalls:     callScope.Counter("reconcile"),
		ReviveCalls:        callScope.Counter("revive"),
		SuppressCalls:      callScope.Counter("suppress"),
		TeardownCalls:      callScope.Counter("teardown"),
		UpdateWeightsCalls: callScope.Counter("update_weights"),
	}
}
