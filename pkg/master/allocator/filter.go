package allocator

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// Filter asks the allocator to withhold the recovered resources from the
// declining framework for the given duration. A zero duration installs no
// filter: the resources are immediately eligible again.
type Filter struct {
	RefuseDuration time.Duration
}

// declineFilter excludes one framework from being offered resources on one
// agent until expiry.
type declineFilter struct {
	resources scalar.Resources
	expiry    time.Time
}

// filterStore tracks decline filters and framework wide suppression. A
// suppressed framework receives no offers at all until revived; a decline
// filter blocks offers of matching resources on one agent until it expires.
type filterStore struct {
	sync.Mutex

	clock clock.PassiveClock

	// declined -- key: frameworkID, value: per agent filters
	declined   map[api.FrameworkID]map[api.AgentID][]*declineFilter
	suppressed map[api.FrameworkID]bool
}

func newFilterStore(c clock.PassiveClock) *filterStore {
	return &filterStore{
		clock:      c,
		declined:   make(map[api.FrameworkID]map[api.AgentID][]*declineFilter),
		suppressed: make(map[api.FrameworkID]bool),
	}
}

// Add installs a decline filter for (framework, agent) covering the given
// resources.
func (s *filterStore) Add(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	resources scalar.Resources,
	duration time.Duration) {

	if duration <= 0 {
		return
	}

	s.Lock()
	defer s.Unlock()

	byAgent, ok := s.declined[frameworkID]
	if !ok {
		byAgent = make(map[api.AgentID][]*declineFilter)
		s.declined[frameworkID] = byAgent
	}
	byAgent[agentID] = append(byAgent[agentID], &declineFilter{
		resources: resources,
		expiry:    s.clock.Now().Add(duration),
	})

	log.WithFields(log.Fields{
		"framework_id": frameworkID,
		"agent_id":     agentID,
		"duration":     duration,
	}).Debug("Installed decline filter")
}

// IsFiltered returns whether offering the given resources on the agent to
// the framework is currently blocked by an unexpired filter.
func (s *filterStore) IsFiltered(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	resources scalar.Resources) bool {

	s.Lock()
	defer s.Unlock()

	now := s.clock.Now()
	for _, f := range s.declined[frameworkID][agentID] {
		if now.Before(f.expiry) && f.resources.Contains(resources) {
			return true
		}
	}
	return false
}

// Suppress marks a framework as not wanting offers until revived.
func (s *filterStore) Suppress(frameworkID api.FrameworkID) {
	s.Lock()
	defer s.Unlock()
	s.suppressed[frameworkID] = true
}

// Revive clears suppression and all decline filters for a framework.
func (s *filterStore) Revive(frameworkID api.FrameworkID) {
	s.Lock()
	defer s.Unlock()
	delete(s.suppressed, frameworkID)
	delete(s.declined, frameworkID)
}

// IsSuppressed returns whether the framework has suppressed offers.
func (s *filterStore) IsSuppressed(frameworkID api.FrameworkID) bool {
	s.Lock()
	defer s.Unlock()
	return s.suppressed[frameworkID]
}

// Expire removes expired decline filters and returns how many remain.
func (s *filterStore) Expire() int {
	s.Lock()
	defer s.Unlock()

	now := s.clock.Now()
	remaining := 0
	for frameworkID, byAgent := range s.declined {
		for agentID, filters := range byAgent {
			kept := filters[:0]
			for _, f := range filters {
				if now.Before(f.expiry) {
					kept = append(kept, f)
				}
			}
			if len(kept) == 0 {
				delete(byAgent, agentID)
				continue
			}
			byAgent[agentID] = kept
			remaining += len(kept)
		}
		if len(byAgent) == 0 {
			delete(s.declined, frameworkID)
		}
	}
	return remaining
}

// RemoveFramework drops all filter state for a torn down framework.
func (s *filterStore) RemoveFramework(frameworkID api.FrameworkID) {
	s.Lock()
	defer s.Unlock()
	delete(s.declined, frameworkID)
	delete(s.suppressed, frameworkID)
}
