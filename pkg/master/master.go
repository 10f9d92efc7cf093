package master

import (
	"reflect"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
	"github.com/uber-go/tally"
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/background"
	"github.com/capstan-io/capstan/pkg/common/lifecycle"
	"github.com/capstan-io/capstan/pkg/common/queue"
	"github.com/capstan-io/capstan/pkg/master/agent"
	"github.com/capstan-io/capstan/pkg/master/allocator"
	"github.com/capstan-io/capstan/pkg/master/offerpool"
	"github.com/capstan-io/capstan/pkg/master/reconciler"
	"github.com/capstan-io/capstan/pkg/master/session"
	"github.com/capstan-io/capstan/pkg/master/taskstore"
	"github.com/capstan-io/capstan/pkg/master/updates"
)

const (
	_dequeueTimeout = 100 * time.Millisecond

	_allocationWork  = "allocation"
	_offerPrunerWork = "offer-pruner"
	_heartbeatWork   = "heartbeat"
)

// event is one unit of work on the master event loop.
type event struct {
	name string
	fn   func()
}

// Master is the cluster master core. All cluster state mutation runs on a
// single event loop, so handlers never observe concurrent mutation; calls
// from transports only validate their arguments synchronously and post the
// rest onto the loop.
type Master struct {
	config  *Config
	clock   clock.WithTickerAndDelayedExecution
	metrics *Metrics

	registry   Registry
	authorizer Authorizer
	agentComm  AgentTransport

	allocator  allocator.Allocator
	offers     offerpool.Pool
	tasks      taskstore.Store
	fleet      agent.Registry
	sessions   session.Registry
	pipeline   updates.Pipeline
	reconciler reconciler.Engine

	events     queue.Queue
	background background.Manager
	lifeCycle  lifecycle.LifeCycle
}

// updateSender adapts the session registry to the update pipeline's Sender.
type updateSender struct {
	m *Master
}

func (s updateSender) SendUpdate(
	frameworkID api.FrameworkID,
	status *api.TaskStatus) bool {

	return s.m.sessions.Send(frameworkID, &api.SchedulerEvent{
		Type:        api.EventUpdate,
		FrameworkID: frameworkID,
		Status:      status,
	})
}

// New creates a Master. schedComm delivers events to framework schedulers;
// agentComm delivers task commands to agents.
func New(
	cfg *Config,
	parent tally.Scope,
	c clock.WithTickerAndDelayedExecution,
	registry Registry,
	authorizer Authorizer,
	schedComm session.Transport,
	agentComm AgentTransport) *Master {

	cfg.Normalize()
	if registry == nil {
		registry = NewInMemoryRegistry()
	}
	if authorizer == nil {
		authorizer = NewPermissiveAuthorizer()
	}

	m := &Master{
		config:     cfg,
		clock:      c,
		metrics:    NewMetrics(parent.SubScope("master")),
		registry:   registry,
		authorizer: authorizer,
		agentComm:  agentComm,
		background: background.NewManager(c),
		lifeCycle:  lifecycle.NewLifeCycle(),
		events: queue.NewQueue(
			"master-events",
			reflect.TypeOf(event{}),
			cfg.EventQueueSize),
	}
	m.allocator = allocator.New(&cfg.Allocator, parent, c, cfg.Weights)
	m.offers = offerpool.New(cfg.OfferHoldTime, parent, c)
	m.tasks = taskstore.New(parent, c)
	m.fleet = agent.New(parent)
	m.sessions = session.New(schedComm, parent)
	m.pipeline = updates.New(
		&cfg.Updates, parent, c, updateSender{m},
		func(fn func()) { m.post("update-retry", fn) })
	m.reconciler = reconciler.New(m.tasks, m.fleet, parent)

	err := m.background.RegisterWorks(
		background.Work{
			Name:   _allocationWork,
			Period: cfg.Allocator.AllocationInterval,
			Func: func(*atomic.Bool) {
				m.post(_allocationWork, m.allocate)
			},
		},
		background.Work{
			Name:   _offerPrunerWork,
			Period: cfg.OfferPruningInterval,
			Func: func(*atomic.Bool) {
				m.post(_offerPrunerWork, m.pruneOffers)
			},
		},
		background.Work{
			Name:   _heartbeatWork,
			Period: cfg.HeartbeatInterval,
			Func: func(*atomic.Bool) {
				m.sessions.Broadcast(api.EventHeartbeat)
			},
		},
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to register master background works")
	}
	return m
}

// Start launches the event loop and background works.
func (m *Master) Start() {
	if !m.lifeCycle.Start() {
		log.Warn("Master is already started, no-op.")
		return
	}
	log.Info("Starting master")

	stopCh := m.lifeCycle.StopCh()
	go m.run(stopCh)
	go m.watchKicks(stopCh)
	m.background.Start()
}

// Stop halts background works and drains the event loop.
func (m *Master) Stop() {
	log.Info("Stopping master")
	m.background.Stop()
	if !m.lifeCycle.Stop() {
		log.Warn("Master is already stopped, no-op.")
		return
	}
	m.lifeCycle.Wait()
	log.Info("Master stopped")
}

// run is the master event loop. Every state mutation in the master happens
// here, one event at a time.
func (m *Master) run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			m.lifeCycle.StopComplete()
			return
		default:
		}

		item, err := m.events.Dequeue(_dequeueTimeout)
		if err != nil {
			continue
		}
		e := item.(*event)
		e.fn()
		m.metrics.EventsProcessed.Inc(1)
		m.metrics.QueueLength.Update(float64(m.events.Length()))
	}
}

// watchKicks turns allocator kick signals into allocation events.
func (m *Master) watchKicks(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-m.allocator.KickCh():
			m.post(_allocationWork, m.allocate)
		}
	}
}

// post enqueues work onto the event loop.
func (m *Master) post(name string, fn func()) {
	if err := m.events.Enqueue(&event{name: name, fn: fn}); err != nil {
		m.metrics.EventsDropped.Inc(1)
		log.WithFields(log.Fields{
			"event": name,
			"error": err,
		}).Error("Master event queue full, dropping event")
	}
}

// Sync blocks until every event posted before it has been processed. Test
// hook: production code never calls it.
func (m *Master) Sync() {
	done := make(chan struct{})
	m.post("sync", func() { close(done) })
	<-done
}

// allocate runs one allocation cycle and delivers the resulting offers.
// Runs on the event loop.
func (m *Master) allocate() {
	offers := m.allocator.Allocate()
	if len(offers) == 0 {
		return
	}
	m.offers.Add(offers)

	byFramework := make(map[api.FrameworkID][]*api.Offer)
	for _, offer := range offers {
		byFramework[offer.FrameworkID] = append(
			byFramework[offer.FrameworkID], offer)
	}
	for frameworkID, fwOffers := range byFramework {
		sent := m.sessions.Send(frameworkID, &api.SchedulerEvent{
			Type:        api.EventOffers,
			FrameworkID: frameworkID,
			Offers:      fwOffers,
		})
		if !sent {
			// The framework disconnected between allocation and delivery.
			// Take the offers back right away instead of waiting for
			// expiry.
			for _, offer := range fwOffers {
				if _, err := m.offers.Claim(offer.ID, frameworkID); err == nil {
					m.allocator.RecoverResources(
						frameworkID, offer.AgentID, offer.Resources, nil)
				}
			}
		}
	}
}

// pruneOffers reclaims offers older than the hold time. Reclaiming counts as
// a decline with the default refuse timeout. Runs on the event loop.
func (m *Master) pruneOffers() {
	for _, offer := range m.offers.RemoveExpired() {
		m.sessions.Send(offer.FrameworkID, &api.SchedulerEvent{
			Type:        api.EventRescind,
			FrameworkID: offer.FrameworkID,
			OfferID:     offer.ID,
		})
		m.allocator.RecoverResources(
			offer.FrameworkID,
			offer.AgentID,
			offer.Resources,
			&allocator.Filter{
				RefuseDuration: m.config.DefaultRefuseTimeout,
			})
	}
}

// rescindFramework takes back all outstanding offers of a framework,
// optionally notifying it. Runs on the event loop.
func (m *Master) rescindFramework(
	frameworkID api.FrameworkID,
	notify bool) {

	for _, offer := range m.offers.RescindFramework(frameworkID) {
		if notify {
			m.sessions.Send(frameworkID, &api.SchedulerEvent{
				Type:        api.EventRescind,
				FrameworkID: frameworkID,
				OfferID:     offer.ID,
			})
		}
		m.allocator.RecoverResources(
			frameworkID, offer.AgentID, offer.Resources, nil)
	}
}

// rescindAllOffers takes back every outstanding offer, notifying each
// owner. Runs on the event loop.
func (m *Master) rescindAllOffers() {
	for _, offer := range m.offers.RescindAll() {
		m.sessions.Send(offer.FrameworkID, &api.SchedulerEvent{
			Type:        api.EventRescind,
			FrameworkID: offer.FrameworkID,
			OfferID:     offer.ID,
		})
		m.allocator.RecoverResources(
			offer.FrameworkID, offer.AgentID, offer.Resources, nil)
	}
}

// sendError delivers an ERROR event to a framework.
func (m *Master) sendError(frameworkID api.FrameworkID, message string) {
	m.metrics.CallErrors.Inc(1)
	m.sessions.Send(frameworkID, &api.SchedulerEvent{
		Type:        api.EventError,
		FrameworkID: frameworkID,
		Message:     message,
	})
}

// FleetSize returns the number of known agents.
func (m *Master) FleetSize() int {
	return m.fleet.Size()
}

// TaskCount returns the number of tracked tasks.
func (m *Master) TaskCount() int {
	return m.tasks.Size()
}

// OutstandingOffers returns the number of outstanding offers.
func (m *Master) OutstandingOffers() int {
	return m.offers.Size()
}
