package taskstore

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
	"github.com/capstan-io/capstan/pkg/common/statemachine"
)

// Sentinel errors surfaced by Apply.
var (
	// ErrTaskNotFound is returned for updates addressing an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateUpdate is returned when an update's UUID was already
	// accepted; the update is dropped silently by callers.
	ErrDuplicateUpdate = errors.New("duplicate status update")
	// ErrAlreadyTerminal is returned when an update arrives for a task
	// already in a terminal state. The update is recorded but must not be
	// re-delivered as a new transition.
	ErrAlreadyTerminal = errors.New("task already in terminal state")
)

// Store is the authoritative task registry, keyed by (framework ID, task
// ID) and owned exclusively by the master. Every task holds exactly one
// state; transitions are monotonic with respect to terminality.
type Store interface {
	// Create adds a task in PENDING state against an accepted offer.
	Create(
		key api.TaskKey,
		agentID api.AgentID,
		resources scalar.Resources) (*Task, error)

	// Get returns the task if known.
	Get(key api.TaskKey) (*Task, bool)

	// Apply validates a status update against the task's state machine and
	// transitions the task. Returns whether a new user visible transition
	// happened.
	Apply(frameworkID api.FrameworkID, status *api.TaskStatus) (bool, error)

	// Acknowledge records the framework's acknowledgement of the update
	// with the given UUID. An acknowledged terminal task is pruned.
	Acknowledge(key api.TaskKey, uuid string) error

	// ForFramework returns all tasks of a framework.
	ForFramework(frameworkID api.FrameworkID) []*Task

	// OnAgent returns all tasks placed on an agent.
	OnAgent(agentID api.AgentID) []*Task

	// RemoveFramework drops all tasks of a torn down framework and returns
	// them so their resources can be recovered.
	RemoveFramework(frameworkID api.FrameworkID) []*Task

	// Size returns the number of tracked tasks.
	Size() int
}

type store struct {
	sync.Mutex

	clock   clock.PassiveClock
	metrics *Metrics

	// tasks -- key: (frameworkID, taskID)
	tasks map[api.TaskKey]*Task
	// byFramework -- key: frameworkID, value: set of task keys
	byFramework map[api.FrameworkID]map[api.TaskKey]struct{}
	// byAgent -- key: agentID, value: set of task keys
	byAgent map[api.AgentID]map[api.TaskKey]struct{}
}

// New creates a task Store.
func New(parent tally.Scope, c clock.PassiveClock) Store {
	return &store{
		clock:       c,
		metrics:     NewMetrics(parent.SubScope("taskstore")),
		tasks:       make(map[api.TaskKey]*Task),
		byFramework: make(map[api.FrameworkID]map[api.TaskKey]struct{}),
		byAgent:     make(map[api.AgentID]map[api.TaskKey]struct{}),
	}
}

func (s *store) Create(
	key api.TaskKey,
	agentID api.AgentID,
	resources scalar.Resources) (*Task, error) {

	s.Lock()
	defer s.Unlock()

	if _, ok := s.tasks[key]; ok {
		return nil, errors.Errorf("task %s already exists", key)
	}

	task, err := newTask(key, agentID, resources, s.clock)
	if err != nil {
		return nil, err
	}
	s.tasks[key] = task
	s.index(s.byFramework, key.FrameworkID, key)
	s.indexAgent(agentID, key)
	s.metrics.Tasks.Update(float64(len(s.tasks)))
	s.metrics.Created.Inc(1)
	return task, nil
}

func (s *store) Get(key api.TaskKey) (*Task, bool) {
	s.Lock()
	defer s.Unlock()
	task, ok := s.tasks[key]
	return task, ok
}

func (s *store) Apply(
	frameworkID api.FrameworkID,
	status *api.TaskStatus) (bool, error) {

	s.Lock()
	defer s.Unlock()

	key := api.TaskKey{FrameworkID: frameworkID, TaskID: status.TaskID}
	task, ok := s.tasks[key]
	if !ok {
		return false, ErrTaskNotFound
	}

	if status.UUID != "" {
		if _, seen := task.seenUUIDs[status.UUID]; seen {
			s.metrics.DuplicateUpdates.Inc(1)
			return false, ErrDuplicateUpdate
		}
		task.seenUUIDs[status.UUID] = struct{}{}
	}

	if task.IsTerminal() {
		// Terminality is sticky. The update is recorded for diagnostics
		// but never re-delivered as a new transition.
		log.WithFields(log.Fields{
			"task":  key.String(),
			"state": task.State(),
			"late":  status.State,
		}).Debug("Dropping update for terminal task")
		s.metrics.LateUpdates.Inc(1)
		return false, ErrAlreadyTerminal
	}

	if status.State == task.State() {
		// Agents may re-report the current state; nothing new to deliver.
		s.metrics.DuplicateUpdates.Inc(1)
		return false, ErrDuplicateUpdate
	}

	err := task.sm.TransitTo(
		statemachine.State(status.State), status.Reason)
	if err != nil {
		return false, errors.Wrapf(err,
			"status update rejected for task %s", key)
	}

	task.latestUUID = status.UUID
	if status.State.IsTerminal() {
		s.metrics.Terminal.Inc(1)
	}
	return true, nil
}

func (s *store) Acknowledge(key api.TaskKey, uuid string) error {
	s.Lock()
	defer s.Unlock()

	task, ok := s.tasks[key]
	if !ok {
		return ErrTaskNotFound
	}
	if _, seen := task.seenUUIDs[uuid]; uuid == "" || !seen {
		return errors.Errorf(
			"acknowledgement with unknown UUID for task %s", key)
	}

	// The store may already hold a later state than the acknowledged
	// update; only acknowledging the terminal update itself prunes.
	if !task.IsTerminal() || uuid != task.latestUUID {
		return nil
	}

	if task.acknowledged {
		// An acknowledged terminal task is pruned immediately below, so a
		// second acknowledgement reaching this point means the registry
		// was corrupted.
		log.WithField("task", key.String()).
			Fatal("Double acknowledgement of pruned terminal task")
	}
	task.acknowledged = true
	s.prune(key, task)
	return nil
}

func (s *store) ForFramework(frameworkID api.FrameworkID) []*Task {
	s.Lock()
	defer s.Unlock()

	var tasks []*Task
	for key := range s.byFramework[frameworkID] {
		tasks = append(tasks, s.tasks[key])
	}
	return tasks
}

func (s *store) OnAgent(agentID api.AgentID) []*Task {
	s.Lock()
	defer s.Unlock()

	var tasks []*Task
	for key := range s.byAgent[agentID] {
		tasks = append(tasks, s.tasks[key])
	}
	return tasks
}

func (s *store) RemoveFramework(frameworkID api.FrameworkID) []*Task {
	s.Lock()
	defer s.Unlock()

	var removed []*Task
	for key := range s.byFramework[frameworkID] {
		task := s.tasks[key]
		removed = append(removed, task)
		s.prune(key, task)
	}
	return removed
}

func (s *store) Size() int {
	s.Lock()
	defer s.Unlock()
	return len(s.tasks)
}

// prune removes one task from all indexes. Caller holds the lock.
func (s *store) prune(key api.TaskKey, task *Task) {
	delete(s.tasks, key)
	if keys, ok := s.byFramework[key.FrameworkID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byFramework, key.FrameworkID)
		}
	}
	if keys, ok := s.byAgent[task.AgentID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byAgent, task.AgentID)
		}
	}
	s.metrics.Tasks.Update(float64(len(s.tasks)))
	s.metrics.Pruned.Inc(1)
}

func (s *store) index(
	m map[api.FrameworkID]map[api.TaskKey]struct{},
	frameworkID api.FrameworkID,
	key api.TaskKey) {

	keys, ok := m[frameworkID]
	if !ok {
		keys = make(map[api.TaskKey]struct{})
		m[frameworkID] = keys
	}
	keys[key] = struct{}{}
}

func (s *store) indexAgent(agentID api.AgentID, key api.TaskKey) {
	keys, ok := s.byAgent[agentID]
	if !ok {
		keys = make(map[api.TaskKey]struct{})
		s.byAgent[agentID] = keys
	}
	keys[key] = struct{}{}
}
