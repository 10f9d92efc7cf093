package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
)

const (
	_fw1 = api.FrameworkID("framework-1")
	_fw2 = api.FrameworkID("framework-2")

	_agent1 = api.AgentID("agent-1")
	_agent2 = api.AgentID("agent-2")
)

var _agentTotal = scalar.Resources{CPU: 10, Mem: 100, Disk: 1000}

type AllocatorTestSuite struct {
	suite.Suite

	clock     *clocktesting.FakeClock
	allocator Allocator
}

func (s *AllocatorTestSuite) SetupTest() {
	s.clock = clocktesting.NewFakeClock(time.Now())
	s.allocator = New(
		&Config{AllocationInterval: time.Second},
		tally.NoopScope,
		s.clock,
		nil,
	)
}

func TestAllocatorTestSuite(t *testing.T) {
	suite.Run(t, new(AllocatorTestSuite))
}

func (s *AllocatorTestSuite) TestAllocateSpreadsByDominantShare() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.allocator.AddAgent(_agent2, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))
	s.NoError(s.allocator.AddFramework(_fw2, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 2)

	// Both frameworks start with share zero; the first agent goes to the
	// lexically first framework, which raises its share, so the second
	// agent goes to the other one.
	byAgent := make(map[api.AgentID]api.FrameworkID)
	for _, o := range offers {
		s.Equal(_agentTotal, o.Resources)
		byAgent[o.AgentID] = o.FrameworkID
	}
	s.Equal(_fw1, byAgent[_agent1])
	s.Equal(_fw2, byAgent[_agent2])

	// Everything is offered out; the next cycle has nothing to give.
	s.Empty(s.allocator.Allocate())
}

func (s *AllocatorTestSuite) TestExhaustedAgentIssuesNoOffer() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))
	s.NoError(s.allocator.AddFramework(_fw2, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)
	s.Equal(_agentTotal, offers[0].Resources)

	// The default AgentMinimum is zero, which every free pool contains; an
	// exhausted agent must still never yield zero-resource offers to the
	// frameworks that did not win it.
	for i := 0; i < 3; i++ {
		s.Empty(s.allocator.Allocate())
	}
}

func (s *AllocatorTestSuite) TestAllocateRespectsWeights() {
	weighted := New(
		&Config{AllocationInterval: time.Second},
		tally.NoopScope,
		s.clock,
		map[string]float64{"gold": 4, "bronze": 1},
	)
	weighted.AddAgent(_agent1, _agentTotal)
	weighted.AddAgent(_agent2, _agentTotal)
	s.NoError(weighted.AddFramework(_fw1, "bronze"))
	s.NoError(weighted.AddFramework(_fw2, "gold"))

	offers := weighted.Allocate()
	s.Len(offers, 2)

	// framework-1 gets agent-1 first (both shares zero, ID tie-break) and
	// its weighted share jumps to 1/2. framework-2 then takes agent-2 at
	// weighted share 1/8 and still trails, so nothing else changes.
	byFramework := make(map[api.FrameworkID]int)
	for _, o := range offers {
		byFramework[o.FrameworkID]++
	}
	s.Equal(1, byFramework[_fw1])
	s.Equal(1, byFramework[_fw2])
}

func (s *AllocatorTestSuite) TestDeclineFilterBlocksUntilExpiry() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)

	s.allocator.RecoverResources(
		_fw1, _agent1, offers[0].Resources,
		&Filter{RefuseDuration: 10 * time.Second})

	// Filtered for the next ten seconds.
	s.Empty(s.allocator.Allocate())

	s.clock.SetTime(s.clock.Now().Add(11 * time.Second))
	offers = s.allocator.Allocate()
	s.Len(offers, 1)
	s.Equal(_fw1, offers[0].FrameworkID)
}

func (s *AllocatorTestSuite) TestDeclineWithoutFilter() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)

	// No filter: the resources are immediately eligible again.
	s.allocator.RecoverResources(_fw1, _agent1, offers[0].Resources, nil)
	s.Len(s.allocator.Allocate(), 1)
}

func (s *AllocatorTestSuite) TestFilteredResourcesGoElsewhere() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))
	s.NoError(s.allocator.AddFramework(_fw2, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)
	s.Equal(_fw1, offers[0].FrameworkID)

	s.allocator.RecoverResources(
		_fw1, _agent1, offers[0].Resources,
		&Filter{RefuseDuration: time.Minute})

	// The other framework is not filtered and picks them up.
	offers = s.allocator.Allocate()
	s.Len(offers, 1)
	s.Equal(_fw2, offers[0].FrameworkID)
}

func (s *AllocatorTestSuite) TestSuppressionOutlivesFilters() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	s.NoError(s.allocator.SuppressOffers(_fw1))
	s.Empty(s.allocator.Allocate())

	// Suppression is a standing request, not time bounded.
	s.clock.SetTime(s.clock.Now().Add(100 * time.Minute))
	s.Empty(s.allocator.Allocate())

	s.NoError(s.allocator.ReviveOffers(_fw1))
	s.Len(s.allocator.Allocate(), 1)
}

func (s *AllocatorTestSuite) TestReviveClearsDeclineFilters() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)
	s.allocator.RecoverResources(
		_fw1, _agent1, offers[0].Resources,
		&Filter{RefuseDuration: time.Hour})
	s.Empty(s.allocator.Allocate())

	s.NoError(s.allocator.ReviveOffers(_fw1))
	s.Len(s.allocator.Allocate(), 1)

	// Revive also requests an immediate allocation pass.
	select {
	case <-s.allocator.KickCh():
	default:
		s.Fail("revive should kick the allocator")
	}
}

func (s *AllocatorTestSuite) TestSuppressUnknownFramework() {
	s.Error(s.allocator.SuppressOffers(_fw1))
	s.Error(s.allocator.ReviveOffers(_fw1))
}

func (s *AllocatorTestSuite) TestRecoverResourcesIsIdempotent() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)

	s.allocator.RecoverResources(_fw1, _agent1, offers[0].Resources, nil)
	// A duplicate recovery of the same resources is a no-op.
	s.allocator.RecoverResources(_fw1, _agent1, offers[0].Resources, nil)

	offers = s.allocator.Allocate()
	s.Len(offers, 1)
	s.Equal(_agentTotal, offers[0].Resources)
}

func (s *AllocatorTestSuite) TestPartialRecovery() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)

	// Only the unused remainder comes back.
	used := scalar.Resources{CPU: 4, Mem: 40, Disk: 400}
	s.allocator.RecoverResources(
		_fw1, _agent1, offers[0].Resources.Subtract(used), nil)

	offers = s.allocator.Allocate()
	s.Len(offers, 1)
	s.Equal(scalar.Resources{CPU: 6, Mem: 60, Disk: 600},
		offers[0].Resources)
}

func (s *AllocatorTestSuite) TestAgentMinimumSkipsSlivers() {
	small := New(
		&Config{
			AllocationInterval: time.Second,
			AgentMinimum:       scalar.Resources{CPU: 1},
		},
		tally.NoopScope,
		s.clock,
		nil,
	)
	small.AddAgent(_agent1, scalar.Resources{CPU: 0.5, Mem: 100})
	s.NoError(small.AddFramework(_fw1, "batch"))

	s.Empty(small.Allocate())
}

func (s *AllocatorTestSuite) TestInactiveFrameworkGetsNoOffers() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	s.allocator.DeactivateFramework(_fw1)
	s.Empty(s.allocator.Allocate())

	s.allocator.ActivateFramework(_fw1)
	s.Len(s.allocator.Allocate(), 1)
}

func (s *AllocatorTestSuite) TestUnallocatableAgentIsSkipped() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	s.allocator.SetAgentAllocatable(_agent1, false)
	s.Empty(s.allocator.Allocate())

	s.allocator.SetAgentAllocatable(_agent1, true)
	s.Len(s.allocator.Allocate(), 1)
}

func (s *AllocatorTestSuite) TestRemoveAgentDropsAllocation() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.allocator.AddAgent(_agent2, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 2)

	s.allocator.RemoveAgent(_agent1)

	// Recovering resources on the removed agent is a no-op, not a credit
	// to some other agent.
	s.allocator.RecoverResources(_fw1, _agent1, _agentTotal, nil)
	s.Empty(s.allocator.Allocate())
}

func (s *AllocatorTestSuite) TestAddFrameworkValidation() {
	s.Error(s.allocator.AddFramework(_fw1, ""))
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))
	s.Error(s.allocator.AddFramework(_fw1, "batch"))
}

func (s *AllocatorTestSuite) TestUpdateWeights() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "gold"))
	s.NoError(s.allocator.AddFramework(_fw2, "bronze"))

	affected, err := s.allocator.UpdateWeights(
		map[string]float64{"gold": 3})
	s.NoError(err)
	s.Equal([]api.FrameworkID{_fw1}, affected)

	// Setting the same weight again affects nobody.
	affected, err = s.allocator.UpdateWeights(
		map[string]float64{"gold": 3})
	s.NoError(err)
	s.Empty(affected)
}

func (s *AllocatorTestSuite) TestUpdateWeightsValidation() {
	_, err := s.allocator.UpdateWeights(map[string]float64{"": 1})
	s.Error(err)

	_, err = s.allocator.UpdateWeights(map[string]float64{"gold": 0})
	s.Error(err)

	_, err = s.allocator.UpdateWeights(map[string]float64{"gold": -1})
	s.Error(err)
}

func (s *AllocatorTestSuite) TestRemoveFrameworkFreesNothingTwice() {
	s.allocator.AddAgent(_agent1, _agentTotal)
	s.NoError(s.allocator.AddFramework(_fw1, "batch"))

	offers := s.allocator.Allocate()
	s.Len(offers, 1)

	s.allocator.RemoveFramework(_fw1)

	// The outstanding bookkeeping went with the framework; the agent's
	// free pool is not replenished by removal alone.
	s.NoError(s.allocator.AddFramework(_fw2, "batch"))
	s.Empty(s.allocator.Allocate())
}

func (s *AllocatorTestSuite) TestKickCoalesces() {
	s.allocator.Kick()
	s.allocator.Kick()

	<-s.allocator.KickCh()
	select {
	case <-s.allocator.KickCh():
		s.Fail("kicks should coalesce into one signal")
	default:
	}
}
