package agent

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// Info is the master's observed record of one agent: a state enum and its
// advertised capacity, never a live reference into agent internals.
type Info struct {
	AgentID api.AgentID
	State   api.AgentState
	Total   scalar.Resources
}

// Registry tracks the fleet of agents and their lifecycle states as
// observed by the master.
type Registry interface {
	// Register adds a newly registered agent.
	Register(agentID api.AgentID, total scalar.Resources) error

	// StartReregistration marks an agent as reconnecting after a master or
	// agent failover. Tasks on it have unresolved fate.
	StartReregistration(agentID api.AgentID) error

	// CompleteReregistration returns the agent to REGISTERED.
	CompleteReregistration(agentID api.AgentID) error

	// MarkUnreachable marks an agent that stopped responding.
	MarkUnreachable(agentID api.AgentID) error

	// Remove drops an agent permanently. Tasks on it are lost.
	Remove(agentID api.AgentID) error

	// Get returns the agent info if known.
	Get(agentID api.AgentID) (*Info, bool)

	// Size returns the number of known agents.
	Size() int
}

type registry struct {
	sync.Mutex

	agents  map[api.AgentID]*Info
	metrics *Metrics
}

// New creates an agent Registry.
func New(parent tally.Scope) Registry {
	return &registry{
		agents:  make(map[api.AgentID]*Info),
		metrics: NewMetrics(parent.SubScope("agents")),
	}
}

func (r *registry) Register(
	agentID api.AgentID,
	total scalar.Resources) error {

	r.Lock()
	defer r.Unlock()

	if _, ok := r.agents[agentID]; ok {
		return errors.Errorf("agent %s already registered", agentID)
	}
	r.agents[agentID] = &Info{
		AgentID: agentID,
		State:   api.AgentStateRegistered,
		Total:   total,
	}
	r.metrics.Registered.Inc(1)
	r.metrics.Agents.Update(float64(len(r.agents)))
	log.WithFields(log.Fields{
		"agent_id":  agentID,
		"resources": total.String(),
	}).Info("Agent registered")
	return nil
}

func (r *registry) StartReregistration(agentID api.AgentID) error {
	return r.transition(agentID, api.AgentStateReregistering)
}

func (r *registry) CompleteReregistration(agentID api.AgentID) error {
	return r.transition(agentID, api.AgentStateRegistered)
}

func (r *registry) MarkUnreachable(agentID api.AgentID) error {
	return r.transition(agentID, api.AgentStateUnreachable)
}

func (r *registry) Remove(agentID api.AgentID) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return errors.Errorf("unknown agent %s", agentID)
	}
	delete(r.agents, agentID)
	r.metrics.Removed.Inc(1)
	r.metrics.Agents.Update(float64(len(r.agents)))
	log.WithField("agent_id", agentID).Info("Agent removed")
	return nil
}

func (r *registry) Get(agentID api.AgentID) (*Info, bool) {
	r.Lock()
	defer r.Unlock()
	info, ok := r.agents[agentID]
	return info, ok
}

func (r *registry) Size() int {
	r.Lock()
	defer r.Unlock()
	return len(r.agents)
}

func (r *registry) transition(
	agentID api.AgentID,
	to api.AgentState) error {

	r.Lock()
	defer r.Unlock()

	info, ok := r.agents[agentID]
	if !ok {
		return errors.Errorf("unknown agent %s", agentID)
	}
	log.WithFields(log.Fields{
		"agent_id": agentID,
		"from":     info.State,
		"to":       to,
	}).Info("Agent state changed")
	info.State = to
	return nil
}
