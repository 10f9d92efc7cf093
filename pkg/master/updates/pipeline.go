package updates

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/backoff"
)

// Sender delivers one status update event to a framework's scheduler.
// Returns false if the framework has no active connection; the update stays
// in flight and is retried.
type Sender interface {
	SendUpdate(frameworkID api.FrameworkID, status *api.TaskStatus) bool
}

// Config is the status update pipeline configuration.
type Config struct {
	// RetryInterval is how long to wait for an acknowledgement before
	// resending an update.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxRetries bounds redelivery attempts per update. Zero retries
	// forever. An update which exhausts its retries stays unacknowledged
	// and is resent on implicit reconciliation.
	MaxRetries int `yaml:"max_retries"`
}

// Normalize fills defaults for unset values.
func (c *Config) Normalize() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 10 * time.Second
	}
}

// Pipeline delivers task status updates to frameworks with at-least-once
// semantics: an update is retried until acknowledged by UUID. Updates for
// the same task are delivered in order; a later update is not sent while an
// earlier one is unacknowledged.
type Pipeline interface {
	// Enqueue accepts a new update for ordered delivery.
	Enqueue(frameworkID api.FrameworkID, status *api.TaskStatus)

	// Acknowledge completes the in-flight update with the matching UUID
	// and releases the next queued update for the task.
	Acknowledge(
		frameworkID api.FrameworkID,
		taskID api.TaskID,
		uuid string) error

	// Redeliver resends the in-flight update for a task immediately, used
	// by reconciliation. Returns whether there was one.
	Redeliver(frameworkID api.FrameworkID, taskID api.TaskID) bool

	// Suspend pauses delivery and retry timers for a disconnected
	// framework without dropping queued updates.
	Suspend(frameworkID api.FrameworkID)

	// Resume restarts delivery for a reconnected framework.
	Resume(frameworkID api.FrameworkID)

	// CancelFramework drops all delivery state of a torn down framework
	// without leaking timers.
	CancelFramework(frameworkID api.FrameworkID)
}

// stream is the per-task delivery queue.
type stream struct {
	key api.TaskKey

	// pending updates not yet sent, in arrival order.
	pending []*api.TaskStatus
	// inflight is the sent but unacknowledged update.
	inflight *api.TaskStatus
	attempts int
	// stalled is set when retries are exhausted; reconciliation is then
	// the only path that resends.
	stalled bool

	timer clock.Timer
}

type pipeline struct {
	sync.Mutex

	// WithDelayedExecution because retry timers are armed with AfterFunc.
	clock   clock.WithDelayedExecution
	config  *Config
	policy  backoff.RetryPolicy
	sender  Sender
	metrics *Metrics

	// post serializes timer callbacks onto the master's event loop.
	post func(func())

	streams     map[api.TaskKey]*stream
	byFramework map[api.FrameworkID]map[api.TaskKey]*stream
	suspended   map[api.FrameworkID]bool
}

// New creates a status update Pipeline. post must execute the given closure
// on the owning event loop.
func New(
	cfg *Config,
	parent tally.Scope,
	c clock.WithDelayedExecution,
	sender Sender,
	post func(func())) Pipeline {

	cfg.Normalize()
	return &pipeline{
		clock:       c,
		config:      cfg,
		policy:      backoff.NewRetryPolicy(cfg.MaxRetries, cfg.RetryInterval),
		sender:      sender,
		metrics:     NewMetrics(parent.SubScope("updates")),
		post:        post,
		streams:     make(map[api.TaskKey]*stream),
		byFramework: make(map[api.FrameworkID]map[api.TaskKey]*stream),
		suspended:   make(map[api.FrameworkID]bool),
	}
}

func (p *pipeline) Enqueue(
	frameworkID api.FrameworkID,
	status *api.TaskStatus) {

	p.Lock()
	defer p.Unlock()

	key := api.TaskKey{FrameworkID: frameworkID, TaskID: status.TaskID}
	st, ok := p.streams[key]
	if !ok {
		st = &stream{key: key}
		p.streams[key] = st
		byFw, ok := p.byFramework[frameworkID]
		if !ok {
			byFw = make(map[api.TaskKey]*stream)
			p.byFramework[frameworkID] = byFw
		}
		byFw[key] = st
	}

	if st.inflight != nil || p.suspended[frameworkID] {
		st.pending = append(st.pending, status)
		return
	}
	p.send(st, status)
}

func (p *pipeline) Acknowledge(
	frameworkID api.FrameworkID,
	taskID api.TaskID,
	uuid string) error {

	p.Lock()
	defer p.Unlock()

	key := api.TaskKey{FrameworkID: frameworkID, TaskID: taskID}
	st, ok := p.streams[key]
	if !ok || st.inflight == nil {
		return errors.Errorf(
			"no update awaiting acknowledgement for task %s", key)
	}
	if st.inflight.UUID != uuid {
		return errors.Errorf(
			"acknowledgement UUID mismatch for task %s", key)
	}

	p.stopTimer(st)
	st.inflight = nil
	st.attempts = 0
	st.stalled = false
	p.metrics.Acknowledged.Inc(1)

	if len(st.pending) > 0 {
		next := st.pending[0]
		st.pending = st.pending[1:]
		if !p.suspended[frameworkID] {
			p.send(st, next)
		} else {
			st.pending = append([]*api.TaskStatus{next}, st.pending...)
		}
	}
	if st.inflight == nil && len(st.pending) == 0 {
		p.removeStream(st)
	}
	return nil
}

func (p *pipeline) Redeliver(
	frameworkID api.FrameworkID,
	taskID api.TaskID) bool {

	p.Lock()
	defer p.Unlock()

	key := api.TaskKey{FrameworkID: frameworkID, TaskID: taskID}
	st, ok := p.streams[key]
	if !ok || st.inflight == nil || p.suspended[frameworkID] {
		return false
	}

	p.sender.SendUpdate(frameworkID, st.inflight)
	p.metrics.Redelivered.Inc(1)
	if st.stalled {
		// Reconciliation gives a stalled update a fresh retry budget.
		st.stalled = false
		st.attempts = 1
		p.armTimer(st)
	}
	return true
}

func (p *pipeline) Suspend(frameworkID api.FrameworkID) {
	p.Lock()
	defer p.Unlock()

	p.suspended[frameworkID] = true
	for _, st := range p.byFramework[frameworkID] {
		p.stopTimer(st)
	}
}

func (p *pipeline) Resume(frameworkID api.FrameworkID) {
	p.Lock()
	defer p.Unlock()

	delete(p.suspended, frameworkID)
	for _, st := range p.byFramework[frameworkID] {
		if st.inflight != nil {
			p.sender.SendUpdate(frameworkID, st.inflight)
			st.attempts++
			p.armTimer(st)
			continue
		}
		if len(st.pending) > 0 {
			next := st.pending[0]
			st.pending = st.pending[1:]
			p.send(st, next)
		}
	}
}

func (p *pipeline) CancelFramework(frameworkID api.FrameworkID) {
	p.Lock()
	defer p.Unlock()

	for _, st := range p.byFramework[frameworkID] {
		p.stopTimer(st)
		delete(p.streams, st.key)
	}
	delete(p.byFramework, frameworkID)
	delete(p.suspended, frameworkID)
	p.metrics.Inflight.Update(float64(len(p.streams)))
}

// send transmits an update and arms the retry timer. Caller holds the lock.
func (p *pipeline) send(st *stream, status *api.TaskStatus) {
	st.inflight = status
	st.attempts = 1
	st.stalled = false

	delivered := p.sender.SendUpdate(st.key.FrameworkID, status)
	if delivered {
		p.metrics.Sent.Inc(1)
	}
	p.armTimer(st)
	p.metrics.Inflight.Update(float64(len(p.streams)))
}

// retry is invoked on the owning loop when an acknowledgement timer fires.
func (p *pipeline) retry(key api.TaskKey, uuid string) {
	p.Lock()
	defer p.Unlock()

	st, ok := p.streams[key]
	if !ok || st.inflight == nil || st.inflight.UUID != uuid {
		// Acknowledged or cancelled while the timer fired.
		return
	}
	if p.suspended[key.FrameworkID] {
		return
	}

	if p.policy.CalculateNextDelay(st.attempts) == backoff.Done {
		log.WithFields(log.Fields{
			"task":     key.String(),
			"uuid":     uuid,
			"attempts": st.attempts,
		}).Warn("Status update retries exhausted, awaiting reconciliation")
		st.stalled = true
		p.metrics.Exhausted.Inc(1)
		return
	}

	st.attempts++
	p.sender.SendUpdate(key.FrameworkID, st.inflight)
	p.metrics.Retried.Inc(1)
	p.armTimer(st)
}

// armTimer schedules the next retry for the stream's in-flight update.
// Caller holds the lock.
func (p *pipeline) armTimer(st *stream) {
	p.stopTimer(st)

	key := st.key
	uuid := st.inflight.UUID
	st.timer = p.clock.AfterFunc(p.config.RetryInterval, func() {
		p.post(func() {
			p.retry(key, uuid)
		})
	})
}

func (p *pipeline) stopTimer(st *stream) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

func (p *pipeline) removeStream(st *stream) {
	delete(p.streams, st.key)
	if byFw, ok := p.byFramework[st.key.FrameworkID]; ok {
		delete(byFw, st.key)
		if len(byFw) == 0 {
			delete(p.byFramework, st.key.FrameworkID)
		}
	}
	p.metrics.Inflight.Update(float64(len(p.streams)))
}
