package allocator

import (
	"sort"
	"sync"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// Allocator partitions free agent resources across active frameworks using
// weighted dominant resource fairness and tracks the free/offered/used
// bookkeeping for every agent. It is the sole creator of offers.
type Allocator interface {
	// Allocate runs one allocation cycle and returns the offers to issue.
	Allocate() []*api.Offer

	// RecoverResources returns previously offered or used resources on an
	// agent to the free pool, optionally installing a decline filter.
	// Recovering resources which are already free is a no-op.
	RecoverResources(
		frameworkID api.FrameworkID,
		agentID api.AgentID,
		resources scalar.Resources,
		filter *Filter)

	// SuppressOffers stops offering resources to the framework until revived.
	SuppressOffers(frameworkID api.FrameworkID) error

	// ReviveOffers clears suppression and all decline filters for the
	// framework and kicks an immediate allocation pass.
	ReviveOffers(frameworkID api.FrameworkID) error

	// UpdateWeights changes role weights and returns the frameworks whose
	// outstanding offers must be rescinded because their role's weight
	// changed. Callers must commit the change durably before rescinding.
	UpdateWeights(weights map[string]float64) ([]api.FrameworkID, error)

	// AddAgent makes an agent's resources allocatable.
	AddAgent(agentID api.AgentID, total scalar.Resources)

	// RemoveAgent drops an agent and all its bookkeeping.
	RemoveAgent(agentID api.AgentID)

	// SetAgentAllocatable controls whether an agent's free resources are
	// offered. An unreachable agent stays tracked, with its bookkeeping
	// intact, but is not allocated from until it reregisters.
	SetAgentAllocatable(agentID api.AgentID, allocatable bool)

	// AddFramework registers a framework for allocation under a role.
	AddFramework(frameworkID api.FrameworkID, role string) error

	// ActivateFramework resumes allocation to a framework.
	ActivateFramework(frameworkID api.FrameworkID)

	// DeactivateFramework pauses allocation to a disconnected framework.
	DeactivateFramework(frameworkID api.FrameworkID)

	// RemoveFramework drops a torn down framework and all its filters.
	RemoveFramework(frameworkID api.FrameworkID)

	// KickCh signals that state changed and an immediate allocation pass
	// should run.
	KickCh() <-chan struct{}

	// Kick requests an immediate allocation pass.
	Kick()
}

type agentEntry struct {
	total       scalar.Resources
	free        scalar.Resources
	allocatable bool

	// outstanding resources per framework, the sum of offered and used.
	// Bounds RecoverResources so duplicate recovery cannot double credit
	// the free pool.
	outstanding map[api.FrameworkID]scalar.Resources
}

type frameworkEntry struct {
	role      string
	active    bool
	allocated scalar.Resources
}

type allocator struct {
	sync.Mutex

	clock   clock.Clock
	metrics *Metrics
	config  *Config

	agents     map[api.AgentID]*agentEntry
	frameworks map[api.FrameworkID]*frameworkEntry

	// weights -- key: role, value: weight. Roles without an entry weigh 1.
	weights map[string]float64

	filters *filterStore

	kickCh chan struct{}
}

// New creates an Allocator with the given initial role weights.
func New(
	cfg *Config,
	parent tally.Scope,
	c clock.Clock,
	weights map[string]float64) Allocator {

	a := &allocator{
		clock:      c,
		metrics:    NewMetrics(parent.SubScope("allocator")),
		config:     cfg,
		agents:     make(map[api.AgentID]*agentEntry),
		frameworks: make(map[api.FrameworkID]*frameworkEntry),
		weights:    make(map[string]float64),
		filters:    newFilterStore(c),
		kickCh:     make(chan struct{}, 1),
	}
	for role, w := range weights {
		a.weights[role] = w
	}
	return a
}

func (a *allocator) KickCh() <-chan struct{} {
	return a.kickCh
}

func (a *allocator) Kick() {
	select {
	case a.kickCh <- struct{}{}:
	default:
	}
}

func (a *allocator) AddAgent(agentID api.AgentID, total scalar.Resources) {
	a.Lock()
	defer a.Unlock()

	if _, ok := a.agents[agentID]; ok {
		log.WithField("agent_id", agentID).
			Warn("Agent already tracked by allocator, no-op.")
		return
	}
	a.agents[agentID] = &agentEntry{
		total:       total,
		free:        total,
		allocatable: true,
		outstanding: make(map[api.FrameworkID]scalar.Resources),
	}
	a.updateGauges()
}

func (a *allocator) RemoveAgent(agentID api.AgentID) {
	a.Lock()
	defer a.Unlock()

	entry, ok := a.agents[agentID]
	if !ok {
		return
	}
	// Outstanding resources on the agent are gone with it.
	for frameworkID, res := range entry.outstanding {
		if fw, ok := a.frameworks[frameworkID]; ok {
			fw.allocated = fw.allocated.Subtract(res)
		}
	}
	delete(a.agents, agentID)
	a.updateGauges()
}

func (a *allocator) SetAgentAllocatable(
	agentID api.AgentID,
	allocatable bool) {

	a.Lock()
	defer a.Unlock()

	if agent, ok := a.agents[agentID]; ok {
		agent.allocatable = allocatable
	}
}

func (a *allocator) AddFramework(frameworkID api.FrameworkID, role string) error {
	a.Lock()
	defer a.Unlock()

	if role == "" {
		return errors.New("framework role cannot be empty")
	}
	if _, ok := a.frameworks[frameworkID]; ok {
		return errors.Errorf("framework %s already registered", frameworkID)
	}
	a.frameworks[frameworkID] = &frameworkEntry{
		role:   role,
		active: true,
	}
	return nil
}

func (a *allocator) ActivateFramework(frameworkID api.FrameworkID) {
	a.Lock()
	defer a.Unlock()
	if fw, ok := a.frameworks[frameworkID]; ok {
		fw.active = true
	}
}

func (a *allocator) DeactivateFramework(frameworkID api.FrameworkID) {
	a.Lock()
	defer a.Unlock()
	if fw, ok := a.frameworks[frameworkID]; ok {
		fw.active = false
	}
}

func (a *allocator) RemoveFramework(frameworkID api.FrameworkID) {
	a.Lock()
	defer a.Unlock()

	delete(a.frameworks, frameworkID)
	for _, agent := range a.agents {
		delete(agent.outstanding, frameworkID)
	}
	a.filters.RemoveFramework(frameworkID)
}

// Allocate implements Allocator.Allocate. Each eligible agent's remaining
// free resources are offered, whole, to the active framework with the lowest
// weighted dominant share which is not filtered on the agent. Shares are
// recomputed after every grant.
func (a *allocator) Allocate() []*api.Offer {
	sw := a.metrics.AllocateDuration.Start()
	defer sw.Stop()

	a.Lock()
	defer a.Unlock()

	a.metrics.AllocationRuns.Inc(1)
	a.metrics.ActiveFilters.Update(float64(a.filters.Expire()))

	capacity := a.clusterCapacity()
	if capacity.Empty() {
		return nil
	}

	entries := a.candidates(capacity)
	if len(entries) == 0 {
		return nil
	}

	// Deterministic agent order.
	agentIDs := make([]api.AgentID, 0, len(a.agents))
	for id := range a.agents {
		agentIDs = append(agentIDs, id)
	}
	sort.Slice(agentIDs, func(i, j int) bool {
		return agentIDs[i] < agentIDs[j]
	})

	now := a.clock.Now()
	var offers []*api.Offer
	for _, agentID := range agentIDs {
		agent := a.agents[agentID]
		// An exhausted agent has nothing to offer; without the Empty check
		// the zero AgentMinimum would admit zero-resource offers.
		if !agent.allocatable || agent.free.Empty() ||
			!agent.free.Contains(a.config.AgentMinimum) {
			continue
		}

		for i := range entries {
			frameworkID := entries[i].frameworkID
			if a.filters.IsFiltered(frameworkID, agentID, agent.free) {
				continue
			}

			offer := &api.Offer{
				ID:          api.OfferID(uuid.NewUUID().String()),
				FrameworkID: frameworkID,
				AgentID:     agentID,
				Resources:   agent.free,
				Issued:      now,
			}
			a.grant(agent, frameworkID, offer.Resources)
			offers = append(offers, offer)

			entries[i].share = dominantShare(
				a.frameworks[frameworkID].allocated,
				capacity,
				a.weights[a.frameworks[frameworkID].role],
			)
			sortByShare(entries)
			break
		}
	}

	if len(offers) > 0 {
		a.metrics.OffersIssued.Inc(int64(len(offers)))
		a.updateGauges()
	}
	return offers
}

// candidates returns the DRF sorted entries of frameworks eligible for
// offers in this cycle.
func (a *allocator) candidates(capacity scalar.Resources) []drfEntry {
	var entries []drfEntry
	for frameworkID, fw := range a.frameworks {
		if !fw.active || a.filters.IsSuppressed(frameworkID) {
			continue
		}
		entries = append(entries, drfEntry{
			frameworkID: frameworkID,
			share: dominantShare(
				fw.allocated, capacity, a.weights[fw.role]),
		})
	}
	sortByShare(entries)
	return entries
}

// grant moves resources from the agent's free pool to the framework's
// outstanding allocation. Caller holds the lock.
func (a *allocator) grant(
	agent *agentEntry,
	frameworkID api.FrameworkID,
	res scalar.Resources) {

	agent.free = agent.free.Subtract(res)
	agent.outstanding[frameworkID] = agent.outstanding[frameworkID].Add(res)
	a.frameworks[frameworkID].allocated =
		a.frameworks[frameworkID].allocated.Add(res)
}

// RecoverResources implements Allocator.RecoverResources. The credit is
// capped at what is actually outstanding for the (framework, agent) pair, so
// racing recoveries of the same resources cannot double credit the pool.
func (a *allocator) RecoverResources(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	resources scalar.Resources,
	filter *Filter) {

	a.Lock()
	defer a.Unlock()

	agent, ok := a.agents[agentID]
	if ok {
		credit := resources.Cap(agent.outstanding[frameworkID])
		if !credit.Empty() {
			agent.free = agent.free.Add(credit).Cap(agent.total)
			agent.outstanding[frameworkID] =
				agent.outstanding[frameworkID].Subtract(credit)
			if fw, ok := a.frameworks[frameworkID]; ok {
				fw.allocated = fw.allocated.Subtract(credit)
			}
			a.updateGauges()
		} else {
			log.WithFields(log.Fields{
				"framework_id": frameworkID,
				"agent_id":     agentID,
				"resources":    resources.String(),
			}).Debug("Resources already free, recovery is a no-op")
		}
	}

	if filter != nil {
		a.filters.Add(frameworkID, agentID, resources, filter.RefuseDuration)
	}
}

func (a *allocator) SuppressOffers(frameworkID api.FrameworkID) error {
	a.Lock()
	if _, ok := a.frameworks[frameworkID]; !ok {
		a.Unlock()
		return errors.Errorf("unknown framework %s", frameworkID)
	}
	a.Unlock()

	a.filters.Suppress(frameworkID)
	a.metrics.SuppressCalls.Inc(1)
	log.WithField("framework_id", frameworkID).Info("Offers suppressed")
	return nil
}

func (a *allocator) ReviveOffers(frameworkID api.FrameworkID) error {
	a.Lock()
	if _, ok := a.frameworks[frameworkID]; !ok {
		a.Unlock()
		return errors.Errorf("unknown framework %s", frameworkID)
	}
	a.Unlock()

	a.filters.Revive(frameworkID)
	a.metrics.ReviveCalls.Inc(1)
	log.WithField("framework_id", frameworkID).Info("Offers revived")
	a.Kick()
	return nil
}

// UpdateWeights implements Allocator.UpdateWeights.
func (a *allocator) UpdateWeights(weights map[string]float64) (
	[]api.FrameworkID, error) {

	a.Lock()
	defer a.Unlock()

	for role, w := range weights {
		if role == "" {
			return nil, errors.New("weight update with empty role")
		}
		if w <= 0 {
			return nil, errors.Errorf(
				"weight for role %s must be positive, got %v", role, w)
		}
	}

	affectedRoles := make(map[string]bool)
	for role, w := range weights {
		if a.weights[role] != w {
			a.weights[role] = w
			affectedRoles[role] = true
		}
	}

	var affected []api.FrameworkID
	for frameworkID, fw := range a.frameworks {
		if affectedRoles[fw.role] {
			affected = append(affected, frameworkID)
		}
	}
	sort.Slice(affected, func(i, j int) bool {
		return affected[i] < affected[j]
	})
	a.metrics.WeightUpdates.Inc(1)
	return affected, nil
}

// clusterCapacity sums total resources over all agents. Caller holds the
// lock.
func (a *allocator) clusterCapacity() scalar.Resources {
	var capacity scalar.Resources
	for _, agent := range a.agents {
		capacity = capacity.Add(agent.total)
	}
	return capacity
}

// updateGauges refreshes the free and allocated gauge maps. Caller holds the
// lock.
func (a *allocator) updateGauges() {
	var free scalar.Resources
	for _, agent := range a.agents {
		free = free.Add(agent.free)
	}
	var allocated scalar.Resources
	for _, fw := range a.frameworks {
		allocated = allocated.Add(fw.allocated)
	}
	a.metrics.Free.Update(free)
	a.metrics.Allocated.Update(allocated)
}
