package session

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/capstan-io/capstan/pkg/api"
)

// Transport delivers scheduler events to a framework connection. The wire
// protocol behind it is out of scope; the master only requires ordered
// delivery per connection.
type Transport interface {
	Send(connectionID string, event *api.SchedulerEvent)
}

// Session tracks one subscribed framework's connection identity. The
// framework ID is stable across failover; the connection ID changes with
// every resubscription.
type Session struct {
	FrameworkID  api.FrameworkID
	ConnectionID string
	Role         string
	Active       bool
}

// Registry tracks framework sessions. At most one connection per framework
// is active; a new subscription with the same framework ID atomically
// supersedes the previous connection.
type Registry interface {
	// Subscribe attaches a connection to the framework's session, creating
	// the session on first subscription. Returns whether this superseded a
	// live connection (failover).
	Subscribe(
		frameworkID api.FrameworkID,
		connectionID string,
		role string) bool

	// Disconnect marks the framework's session inactive. Returns false if
	// there was no active session.
	Disconnect(frameworkID api.FrameworkID) bool

	// Remove drops the session entirely on teardown.
	Remove(frameworkID api.FrameworkID)

	// Get returns the session if it exists.
	Get(frameworkID api.FrameworkID) (*Session, bool)

	// Send delivers an event over the framework's active connection.
	// Returns false if the framework is not connected.
	Send(frameworkID api.FrameworkID, event *api.SchedulerEvent) bool

	// Broadcast sends an event type to every active session.
	Broadcast(eventType api.SchedulerEventType)

	// DisconnectAll deactivates every session, notifying each framework,
	// used when master leadership is lost.
	DisconnectAll()

	// Active returns the framework IDs with a live connection.
	Active() []api.FrameworkID
}

type registry struct {
	sync.Mutex

	transport Transport
	sessions  map[api.FrameworkID]*Session
	metrics   *Metrics
}

// New creates a session Registry delivering events over the given
// transport.
func New(transport Transport, parent tally.Scope) Registry {
	return &registry{
		transport: transport,
		sessions:  make(map[api.FrameworkID]*Session),
		metrics:   NewMetrics(parent.SubScope("sessions")),
	}
}

func (r *registry) Subscribe(
	frameworkID api.FrameworkID,
	connectionID string,
	role string) bool {

	r.Lock()
	defer r.Unlock()

	failedOver := false
	s, ok := r.sessions[frameworkID]
	if !ok {
		s = &Session{
			FrameworkID: frameworkID,
			Role:        role,
		}
		r.sessions[frameworkID] = s
	} else if s.Active && s.ConnectionID != connectionID {
		// Failover: the prior connection is notified and superseded
		// atomically. ERROR precedes DISCONNECTED so the old scheduler
		// can distinguish supersession from a network drop.
		r.transport.Send(s.ConnectionID, &api.SchedulerEvent{
			Type:        api.EventError,
			FrameworkID: frameworkID,
			Message:     "framework failed over to a new connection",
		})
		r.transport.Send(s.ConnectionID, &api.SchedulerEvent{
			Type:        api.EventDisconnected,
			FrameworkID: frameworkID,
		})
		failedOver = true
		r.metrics.Failovers.Inc(1)
	}

	s.ConnectionID = connectionID
	s.Active = true

	r.transport.Send(connectionID, &api.SchedulerEvent{
		Type:        api.EventSubscribed,
		FrameworkID: frameworkID,
	})
	r.metrics.Subscribed.Inc(1)
	r.updateGauge()

	log.WithFields(log.Fields{
		"framework_id":  frameworkID,
		"connection_id": connectionID,
		"failed_over":   failedOver,
	}).Info("Framework subscribed")
	return failedOver
}

func (r *registry) Disconnect(frameworkID api.FrameworkID) bool {
	r.Lock()
	defer r.Unlock()

	s, ok := r.sessions[frameworkID]
	if !ok || !s.Active {
		return false
	}
	r.disconnectLocked(s)
	r.updateGauge()
	return true
}

func (r *registry) Remove(frameworkID api.FrameworkID) {
	r.Lock()
	defer r.Unlock()
	delete(r.sessions, frameworkID)
	r.updateGauge()
}

func (r *registry) Get(frameworkID api.FrameworkID) (*Session, bool) {
	r.Lock()
	defer r.Unlock()
	s, ok := r.sessions[frameworkID]
	return s, ok
}

func (r *registry) Send(
	frameworkID api.FrameworkID,
	event *api.SchedulerEvent) bool {

	r.Lock()
	defer r.Unlock()

	s, ok := r.sessions[frameworkID]
	if !ok || !s.Active {
		return false
	}
	r.transport.Send(s.ConnectionID, event)
	return true
}

func (r *registry) Broadcast(eventType api.SchedulerEventType) {
	r.Lock()
	defer r.Unlock()

	for frameworkID, s := range r.sessions {
		if !s.Active {
			continue
		}
		r.transport.Send(s.ConnectionID, &api.SchedulerEvent{
			Type:        eventType,
			FrameworkID: frameworkID,
		})
	}
}

func (r *registry) DisconnectAll() {
	r.Lock()
	defer r.Unlock()

	for _, s := range r.sessions {
		if s.Active {
			r.disconnectLocked(s)
		}
	}
	r.updateGauge()
}

func (r *registry) Active() []api.FrameworkID {
	r.Lock()
	defer r.Unlock()

	var active []api.FrameworkID
	for frameworkID, s := range r.sessions {
		if s.Active {
			active = append(active, frameworkID)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i] < active[j]
	})
	return active
}

// disconnectLocked notifies and deactivates one session. Caller holds the
// lock.
func (r *registry) disconnectLocked(s *Session) {
	r.transport.Send(s.ConnectionID, &api.SchedulerEvent{
		Type:        api.EventDisconnected,
		FrameworkID: s.FrameworkID,
	})
	s.Active = false
	r.metrics.Disconnected.Inc(1)
	log.WithField("framework_id", s.FrameworkID).
		Info("Framework disconnected")
}

func (r *registry) updateGauge() {
	active := 0
	for _, s := range r.sessions {
		if s.Active {
			active++
		}
	}
	r.metrics.ActiveSessions.Update(float64(active))
}
