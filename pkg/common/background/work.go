package background

import (
	"sync"
	"time"

	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
	"k8s.io/utils/clock"
)

var (
	errEmptyName     = errors.New("background work name cannot be empty")
	errDuplicateName = errors.New("duplicate background work name")
)

// Work refers to a piece of background work which needs to happen
// periodically.
type Work struct {
	Name         string
	Func         func(*atomic.Bool)
	Period       time.Duration
	InitialDelay time.Duration
}

// Manager allows multiple background Works to be registered and
// started/stopped together.
type Manager interface {
	// Start starts all registered background works.
	Start()
	// Stop stops all registered background works.
	Stop()
	// RegisterWorks registers background works against the Manager
	RegisterWorks(works ...Work) error
}

// manager implements Manager interface.
type manager struct {
	runners map[string]*runner
	clock   clock.WithTicker
}

// NewManager creates a new instance of Manager. All timer driven behavior
// runs on the given clock so tests can advance virtual time.
func NewManager(c clock.WithTicker) Manager {
	return &manager{
		runners: make(map[string]*runner),
		clock:   c,
	}
}

// RegisterWorks registers background works against the Manager
func (r *manager) RegisterWorks(works ...Work) error {
	for _, work := range works {
		if work.Name == "" {
			return errEmptyName
		}

		if _, ok := r.runners[work.Name]; ok {
			return errDuplicateName
		}

		r.runners[work.Name] = &runner{
			work:  work,
			clock: r.clock,
		}
	}
	return nil
}

// Start all registered works.
func (r *manager) Start() {
	for _, runner := range r.runners {
		runner.start()
	}
}

// Stop all registered runners.
func (r *manager) Stop() {
	for _, runner := range r.runners {
		runner.stop()
	}
}

type runner struct {
	sync.Mutex

	work  Work
	clock clock.WithTicker

	running  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func (r *runner) start() {
	log.WithField("name", r.work.Name).Info("Starting background work")
	r.Lock()
	defer r.Unlock()
	if r.running.Swap(true) {
		log.WithField("name", r.work.Name).
			Info("Background work is already running, no-op.")
		return
	}
	r.stopChan = make(chan struct{})
	r.doneChan = make(chan struct{})

	go func() {
		defer close(r.doneChan)
		defer r.running.Store(false)

		if r.work.InitialDelay.Nanoseconds() > 0 {
			initialTimer := r.clock.NewTimer(r.work.InitialDelay)
			defer initialTimer.Stop()
			select {
			case <-r.stopChan:
				log.WithField("name", r.work.Name).
					Info("Background work stopped before first run.")
				return
			case <-initialTimer.C():
			}
			r.work.Func(&r.running)
		}

		ticker := r.clock.NewTicker(r.work.Period)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopChan:
				log.WithField("name", r.work.Name).
					Info("Background work stopped.")
				return
			case <-ticker.C():
				r.work.Func(&r.running)
			}
		}
	}()
}

func (r *runner) stop() {
	r.Lock()
	defer r.Unlock()

	if !r.running.Load() {
		log.WithField("name", r.work.Name).
			Warn("Background work is not running, no-op.")
		return
	}

	close(r.stopChan)
	<-r.doneChan
	log.WithField("name", r.work.Name).Info("Background work stop confirmed.")
}
