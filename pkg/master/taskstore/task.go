package taskstore

import (
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
	"github.com/capstan-io/capstan/pkg/common/statemachine"
)

// States of the task state machine.
const (
	statePending  = statemachine.State(api.TaskStatePending)
	stateStaging  = statemachine.State(api.TaskStateStaging)
	stateStarting = statemachine.State(api.TaskStateStarting)
	stateRunning  = statemachine.State(api.TaskStateRunning)
	stateKilling  = statemachine.State(api.TaskStateKilling)
	stateFinished = statemachine.State(api.TaskStateFinished)
	stateFailed   = statemachine.State(api.TaskStateFailed)
	stateKilled   = statemachine.State(api.TaskStateKilled)
	stateLost     = statemachine.State(api.TaskStateLost)
	stateError    = statemachine.State(api.TaskStateError)
	stateDropped  = statemachine.State(api.TaskStateDropped)
)

var terminalStates = []statemachine.State{
	stateFinished,
	stateFailed,
	stateKilled,
	stateLost,
	stateError,
	stateDropped,
}

// taskRules builds the transition rule table for one task. Terminal states
// have no outgoing rules, which makes terminality sticky at the state
// machine level.
func taskRules() map[statemachine.State]*statemachine.Rule {
	rules := map[statemachine.State]*statemachine.Rule{
		statePending: {
			From: statePending,
			To: append([]statemachine.State{stateStaging},
				stateKilled, stateLost, stateError, stateDropped),
		},
		stateStaging: {
			From: stateStaging,
			To: append([]statemachine.State{
				stateStarting, stateRunning, stateKilling},
				terminalStates...),
		},
		stateStarting: {
			From: stateStarting,
			To: append([]statemachine.State{stateRunning, stateKilling},
				terminalStates...),
		},
		stateRunning: {
			From: stateRunning,
			To: append([]statemachine.State{stateKilling},
				terminalStates...),
		},
		stateKilling: {
			From: stateKilling,
			To: []statemachine.State{
				stateKilled, stateFinished, stateFailed,
				stateLost, stateError, stateDropped,
			},
		},
	}
	return rules
}

// Task is the master's authoritative record of one task. All mutation goes
// through the Store which owns it.
type Task struct {
	Key       api.TaskKey
	AgentID   api.AgentID
	Resources scalar.Resources

	sm statemachine.StateMachine

	// latestUUID is the UUID of the most recent accepted status update.
	// Reconciliation responses never carry it; redelivery of the original
	// update does.
	latestUUID string
	// seenUUIDs dedups status updates delivered more than once by an agent.
	seenUUIDs map[string]struct{}
	// acknowledged is set once the framework acknowledged the terminal
	// update, at which point the task is prunable.
	acknowledged bool
}

func newTask(
	key api.TaskKey,
	agentID api.AgentID,
	resources scalar.Resources,
	c clock.PassiveClock) (*Task, error) {

	sm, err := statemachine.NewStateMachine(
		key.String(),
		statePending,
		taskRules(),
		nil,
		c,
	)
	if err != nil {
		return nil, err
	}
	return &Task{
		Key:       key,
		AgentID:   agentID,
		Resources: resources,
		sm:        sm,
		seenUUIDs: make(map[string]struct{}),
	}, nil
}

// State returns the task's current authoritative state.
func (t *Task) State() api.TaskState {
	return api.TaskState(t.sm.GetCurrentState())
}

// IsTerminal returns whether the task reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.State().IsTerminal()
}

// LatestUUID returns the UUID of the most recent accepted status update, or
// empty if none was accepted yet.
func (t *Task) LatestUUID() string {
	return t.latestUUID
}

// Acknowledged returns whether the terminal update was acknowledged.
func (t *Task) Acknowledged() bool {
	return t.acknowledged
}

// Status synthesizes a status reflecting the task's current state. UUID is
// left unset: such statuses are informational and not acknowledgeable. A
// pending task is reported as staging since PENDING is master internal.
func (t *Task) Status(reason string) *api.TaskStatus {
	state := t.State()
	if state == api.TaskStatePending {
		state = api.TaskStateStaging
	}
	return &api.TaskStatus{
		TaskID:  t.Key.TaskID,
		AgentID: t.AgentID,
		State:   state,
		Reason:  reason,
	}
}
