package statemachine

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const (
	createStateReasonString = "task created"
)

// State is the state of the object in the state machine.
type State string

// Rule is struct to define the transition rules.
// Rule is from one source state to multiple destination states.
type Rule struct {
	// From is the source state
	From State
	// To are the destination states
	To []State
	// Callback is the transition function invoked after a valid
	// transition out of From
	Callback func(*Transition) error
}

// Callback is the type for callback function
type Callback func(*Transition) error

// Transition describes a single transition between two states, passed to
// callbacks.
type Transition struct {
	StateMachine StateMachine
	From         State
	To           State
	Params       []interface{}
}

// StateMachine is the interface wrapping around the statemachine object.
type StateMachine interface {
	// TransitTo transits to the desired state
	TransitTo(to State, reason string, args ...interface{}) error

	// GetCurrentState returns the current state of the state machine
	GetCurrentState() State

	// GetReason returns the reason for the last state transition
	GetReason() string

	// GetName returns the name of the state machine object
	GetName() string

	// GetLastUpdateTime returns the last update time of the state machine
	GetLastUpdateTime() time.Time
}

// statemachine is responsible for moving states from source to destination
// and invoking callbacks on valid transitions.
type statemachine struct {
	// To synchronize state machine operations
	sync.RWMutex

	// name of the object with which state machine is associated with.
	name string

	// current is the current state of the object
	current State

	// map of rules to define the state machine transitions,
	// keyed by source state
	rules map[State]*Rule

	// global transition callback which applies to all state transitions
	transitionCallback func(*Transition) error

	// lastUpdatedTime records the time when last state is transitioned
	lastUpdatedTime time.Time

	// reason records the reason for a state transition
	reason string

	clock clock.PassiveClock
}

// NewStateMachine creates a new state machine which clients can use to do
// transitions on the object.
func NewStateMachine(
	name string,
	current State,
	rules map[State]*Rule,
	transitionCallback Callback,
	c clock.PassiveClock,
) (StateMachine, error) {

	sm := &statemachine{
		name:               name,
		current:            current,
		rules:              make(map[State]*Rule),
		transitionCallback: transitionCallback,
		lastUpdatedTime:    c.Now(),
		reason:             createStateReasonString,
		clock:              c,
	}

	if err := sm.addRules(rules); err != nil {
		return nil, err
	}
	return sm, nil
}

// addRules add the rules which defines the transitions
func (sm *statemachine) addRules(rules map[State]*Rule) error {
	for _, r := range rules {
		if err := sm.validateRule(r); err != nil {
			return err
		}
	}
	sm.rules = rules
	return nil
}

// validateRule validates the transitions
func (sm *statemachine) validateRule(rule *Rule) error {
	destinations := make(map[State]bool)
	for _, s := range rule.To {
		if destinations[s] {
			log.WithField("destination", s).
				Error("Already exists, duplicate entry")
			return errors.New("invalid rule to be applied, duplicate destinations")
		}
		destinations[s] = true
	}
	return nil
}

// TransitTo is the function which clients will call to transition from one
// state to other. This also calls the callbacks after the valid transition
// is done.
func (sm *statemachine) TransitTo(to State, reason string, args ...interface{}) error {
	// Locking the statemachine to synchronize state changes
	sm.Lock()
	defer sm.Unlock()

	// checking if transition is allowed
	if err := sm.isValidTransition(to); err != nil {
		return err
	}

	// Creating Transition to pass to callbacks
	t := &Transition{
		StateMachine: sm,
		From:         sm.current,
		To:           to,
		Params:       args,
	}

	curState := sm.current

	// Doing actual transition
	sm.current = to
	sm.lastUpdatedTime = sm.clock.Now()
	sm.reason = reason

	// invoking callback function
	if sm.rules[curState].Callback != nil {
		if err := sm.rules[curState].Callback(t); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"name":          sm.name,
				"current_state": curState,
				"to_state":      to,
			}).Error("callback failed for object")
			return err
		}
	}

	// Run the transition callback
	if sm.transitionCallback != nil {
		if err := sm.transitionCallback(t); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"name":          sm.name,
				"current_state": curState,
				"to_state":      to,
			}).Error("transition callback failed for object")
			return err
		}
	}

	return nil
}

// isValidTransition checks if the transition is allowed
// from source state to destination state
func (sm *statemachine) isValidTransition(to State) error {
	if sm.current == to {
		return errors.Errorf("already reached to state %s no need to "+
			"transition", to)
	}
	if val, ok := sm.rules[sm.current]; ok {
		if val.From != sm.current {
			return errors.Errorf("invalid transition for %s "+
				"[from %s to %s]", sm.name, sm.current, to)
		}
		for _, dest := range val.To {
			if dest == to {
				return nil
			}
		}
	}
	return errors.Errorf("invalid transition for %s [from %s to %s]",
		sm.name, sm.current, to)
}

// GetCurrentState returns the current state of the state machine
func (sm *statemachine) GetCurrentState() State {
	sm.RLock()
	defer sm.RUnlock()
	return sm.current
}

func (sm *statemachine) GetReason() string {
	sm.RLock()
	defer sm.RUnlock()
	return sm.reason
}

func (sm *statemachine) GetLastUpdateTime() time.Time {
	sm.RLock()
	defer sm.RUnlock()
	return sm.lastUpdatedTime
}

// GetName returns the name of the state machine object
func (sm *statemachine) GetName() string {
	return sm.name
}
