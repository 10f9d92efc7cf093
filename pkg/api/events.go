package api

// SchedulerEventType enumerates events delivered to subscribed frameworks.
type SchedulerEventType string

// Scheduler event types.
const (
	EventSubscribed   SchedulerEventType = "SUBSCRIBED"
	EventOffers       SchedulerEventType = "OFFERS"
	EventRescind      SchedulerEventType = "RESCIND"
	EventUpdate       SchedulerEventType = "UPDATE"
	EventError        SchedulerEventType = "ERROR"
	EventHeartbeat    SchedulerEventType = "HEARTBEAT"
	EventDisconnected SchedulerEventType = "DISCONNECTED"
)

// SchedulerEvent is a structured event sent to a framework's scheduler over
// its current connection.
type SchedulerEvent struct {
	Type        SchedulerEventType
	FrameworkID FrameworkID

	// Offers is set for OFFERS events.
	Offers []*Offer
	// OfferID is set for RESCIND events.
	OfferID OfferID
	// Status is set for UPDATE events.
	Status *TaskStatus
	// Message is set for ERROR events.
	Message string
}

// ReconcileRequest is one entry of an explicit reconciliation request. State
// is what the framework believes and is ignored by the master; it is carried
// for diagnostics only. AgentID may be empty if unknown to the framework.
type ReconcileRequest struct {
	TaskID  TaskID
	AgentID AgentID
	State   TaskState
}
