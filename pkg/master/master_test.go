package master

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
)

const (
	_fw1    = api.FrameworkID("framework-1")
	_conn1  = "conn-1"
	_agent1 = api.AgentID("agent-1")
	_role   = "web"

	_eventually = 5 * time.Second
	_tick       = 5 * time.Millisecond
)

var (
	_agentTotal = scalar.Resources{CPU: 4, Mem: 1024}
	_taskRes    = scalar.Resources{CPU: 1, Mem: 128}
)

// schedStub records every scheduler event with the connection it went to.
type schedStub struct {
	mu     sync.Mutex
	events []*api.SchedulerEvent
	conns  []string
}

func (s *schedStub) Send(connectionID string, event *api.SchedulerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.conns = append(s.conns, connectionID)
}

func (s *schedStub) ofType(t api.SchedulerEventType) []*api.SchedulerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*api.SchedulerEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *schedStub) countType(t api.SchedulerEventType) int {
	return len(s.ofType(t))
}

// updatesFor returns the UPDATE statuses delivered for one task.
func (s *schedStub) updatesFor(taskID api.TaskID) []*api.TaskStatus {
	var out []*api.TaskStatus
	for _, e := range s.ofType(api.EventUpdate) {
		if e.Status != nil && e.Status.TaskID == taskID {
			out = append(out, e.Status)
		}
	}
	return out
}

// updateOnConn reports whether an UPDATE with the given UUID was delivered
// over the given connection.
func (s *schedStub) updateOnConn(connectionID, uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.events {
		if e.Type == api.EventUpdate &&
			e.Status != nil &&
			e.Status.UUID == uuid &&
			s.conns[i] == connectionID {
			return true
		}
	}
	return false
}

type launchCall struct {
	agentID     api.AgentID
	frameworkID api.FrameworkID
	task        *api.TaskInfo
}

type killCall struct {
	agentID     api.AgentID
	frameworkID api.FrameworkID
	taskID      api.TaskID
}

// agentStub records task commands forwarded to agents.
type agentStub struct {
	mu       sync.Mutex
	launches []launchCall
	kills    []killCall
}

func (a *agentStub) Launch(
	agentID api.AgentID,
	frameworkID api.FrameworkID,
	task *api.TaskInfo) {

	a.mu.Lock()
	defer a.mu.Unlock()
	a.launches = append(a.launches, launchCall{agentID, frameworkID, task})
}

func (a *agentStub) Kill(
	agentID api.AgentID,
	frameworkID api.FrameworkID,
	taskID api.TaskID) {

	a.mu.Lock()
	defer a.mu.Unlock()
	a.kills = append(a.kills, killCall{agentID, frameworkID, taskID})
}

func (a *agentStub) launchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.launches)
}

func (a *agentStub) killCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.kills)
}

type MasterTestSuite struct {
	suite.Suite

	clock  *clocktesting.FakeClock
	sched  *schedStub
	agents *agentStub
	master *Master
}

func (s *MasterTestSuite) SetupTest() {
	s.clock = clocktesting.NewFakeClock(time.Now())
	s.sched = &schedStub{}
	s.agents = &agentStub{}
	s.master = New(
		&Config{Weights: map[string]float64{_role: 1}},
		tally.NoopScope,
		s.clock,
		nil, // in-memory registry
		nil, // permissive authorizer
		s.sched,
		s.agents,
	)
	s.master.Start()
}

func (s *MasterTestSuite) TearDownTest() {
	s.master.Stop()
}

func TestMasterTestSuite(t *testing.T) {
	suite.Run(t, new(MasterTestSuite))
}

// awaitOffer waits for the kick driven allocation to deliver an offer.
func (s *MasterTestSuite) awaitOffer() *api.Offer {
	s.Require().Eventually(func() bool {
		return s.sched.countType(api.EventOffers) > 0
	}, _eventually, _tick)
	offers := s.sched.ofType(api.EventOffers)
	last := offers[len(offers)-1]
	s.Require().NotEmpty(last.Offers)
	return last.Offers[0]
}

// launchRunningTask drives one task to RUNNING through the full path:
// agent registration, subscription, offer, accept, launch, status update.
func (s *MasterTestSuite) launchRunningTask(taskID api.TaskID) {
	s.Require().NoError(s.master.AgentRegistered(_agent1, _agentTotal))
	s.Require().NoError(s.master.Subscribe(_fw1, _conn1, _role))
	offer := s.awaitOffer()

	s.Require().NoError(s.master.Accept(_fw1, offer.ID, []*api.TaskInfo{
		{TaskID: taskID, Resources: _taskRes},
	}))
	s.Require().Eventually(func() bool {
		return s.agents.launchCount() > 0
	}, _eventually, _tick)
	s.master.Sync()

	s.Require().NoError(s.master.StatusUpdate(_fw1, &api.TaskStatus{
		TaskID:  taskID,
		AgentID: _agent1,
		State:   api.TaskStateRunning,
		UUID:    "run-" + string(taskID),
	}))
	s.master.Sync()
}

func (s *MasterTestSuite) TestLaunchLifecycle() {
	s.launchRunningTask("t1")
	s.Equal(1, s.master.TaskCount())
	s.Equal(1, s.master.FleetSize())

	// The RUNNING transition reached the framework with its UUID intact.
	updates := s.sched.updatesFor("t1")
	s.Require().NotEmpty(updates)
	s.Equal(api.TaskStateRunning, updates[len(updates)-1].State)
	s.Equal("run-t1", updates[len(updates)-1].UUID)

	s.Require().NoError(s.master.Acknowledge(_fw1, "t1", "run-t1"))
	s.master.Sync()

	// Kill goes to the agent; the terminal state comes back as an update.
	s.Require().NoError(s.master.Kill(_fw1, "t1"))
	s.master.Sync()
	s.Equal(1, s.agents.killCount())

	s.Require().NoError(s.master.StatusUpdate(_fw1, &api.TaskStatus{
		TaskID:  "t1",
		AgentID: _agent1,
		State:   api.TaskStateKilled,
		UUID:    "kill-t1",
	}))
	s.master.Sync()

	updates = s.sched.updatesFor("t1")
	s.Equal(api.TaskStateKilled, updates[len(updates)-1].State)

	// Acknowledging the terminal update prunes the task.
	s.Require().NoError(s.master.Acknowledge(_fw1, "t1", "kill-t1"))
	s.master.Sync()
	s.Equal(0, s.master.TaskCount())
}

func (s *MasterTestSuite) TestExplicitReconciliation() {
	s.launchRunningTask("t1")

	// The framework's stale view is answered from the master's record.
	s.Require().NoError(s.master.Reconcile(_fw1, []*api.ReconcileRequest{
		{TaskID: "t1", AgentID: _agent1, State: api.TaskStateStaging},
		{TaskID: "ghost", AgentID: _agent1},
	}))
	s.master.Sync()

	var reconciled []*api.TaskStatus
	for _, e := range s.sched.ofType(api.EventUpdate) {
		if e.Status.Reason == api.ReasonReconciliation {
			reconciled = append(reconciled, e.Status)
		}
	}
	s.Require().Len(reconciled, 2)
	s.Equal(api.TaskStateRunning, reconciled[0].State)
	s.Empty(reconciled[0].UUID)
	s.Equal(api.TaskStateLost, reconciled[1].State)
}

func (s *MasterTestSuite) TestImplicitReconciliation() {
	s.launchRunningTask("t1")
	s.Require().NoError(s.master.Acknowledge(_fw1, "t1", "run-t1"))

	// Drive to FINISHED but do not acknowledge.
	s.Require().NoError(s.master.StatusUpdate(_fw1, &api.TaskStatus{
		TaskID:  "t1",
		AgentID: _agent1,
		State:   api.TaskStateFinished,
		UUID:    "fin-t1",
	}))
	s.master.Sync()
	before := len(s.sched.updatesFor("t1"))

	// Implicit reconciliation redelivers the unacknowledged terminal
	// update with its original UUID so it stays acknowledgeable.
	s.Require().NoError(s.master.Reconcile(_fw1, nil))
	s.master.Sync()

	updates := s.sched.updatesFor("t1")
	s.Require().Len(updates, before+1)
	s.Equal(api.TaskStateFinished, updates[len(updates)-1].State)
	s.Equal("fin-t1", updates[len(updates)-1].UUID)
}

func (s *MasterTestSuite) TestDeclineFiltersAllocation() {
	s.Require().NoError(s.master.AgentRegistered(_agent1, _agentTotal))
	s.Require().NoError(s.master.Subscribe(_fw1, _conn1, _role))
	offer := s.awaitOffer()

	s.Require().NoError(s.master.Decline(_fw1, offer.ID, time.Hour))
	s.master.Sync()
	s.Equal(0, s.master.OutstandingOffers())

	// The filter blocks re-offering the declined resources.
	offered := s.sched.countType(api.EventOffers)
	s.master.post("allocation", s.master.allocate)
	s.master.Sync()
	s.Equal(offered, s.sched.countType(api.EventOffers))

	// Past the filter's expiry the resources flow again.
	s.clock.Step(time.Hour + time.Second)
	s.master.post("allocation", s.master.allocate)
	s.master.Sync()
	s.Require().Eventually(func() bool {
		return s.sched.countType(api.EventOffers) > offered
	}, _eventually, _tick)
}

func (s *MasterTestSuite) TestAcceptRejectsDuplicateTaskIDs() {
	s.Require().NoError(s.master.AgentRegistered(_agent1, _agentTotal))
	s.Require().NoError(s.master.Subscribe(_fw1, _conn1, _role))
	offer := s.awaitOffer()

	s.Error(s.master.Accept(_fw1, offer.ID, []*api.TaskInfo{
		{TaskID: "t1", Resources: _taskRes},
		{TaskID: "t1", Resources: _taskRes},
	}))
	s.master.Sync()

	// Nothing was consumed or leaked: the offer is still outstanding and
	// declining it makes the whole agent available again.
	s.Equal(1, s.master.OutstandingOffers())
	s.Require().NoError(s.master.Decline(_fw1, offer.ID, 0))
	s.master.Sync()

	s.master.post("allocation", s.master.allocate)
	s.master.Sync()
	offers := s.sched.ofType(api.EventOffers)
	last := offers[len(offers)-1]
	s.Require().NotEmpty(last.Offers)
	s.Equal(_agentTotal, last.Offers[0].Resources)
}

func (s *MasterTestSuite) TestKillUnknownTask() {
	s.Require().NoError(s.master.Subscribe(_fw1, _conn1, _role))
	s.master.Sync()

	s.Require().NoError(s.master.Kill(_fw1, "ghost"))
	s.master.Sync()

	updates := s.sched.updatesFor("ghost")
	s.Require().Len(updates, 1)
	s.Equal(api.TaskStateLost, updates[0].State)
	s.Empty(updates[0].UUID)
}

func (s *MasterTestSuite) TestAgentRemovedLosesTasks() {
	s.launchRunningTask("t1")
	s.Require().NoError(s.master.Acknowledge(_fw1, "t1", "run-t1"))

	s.Require().NoError(s.master.AgentRemoved(_agent1))
	s.master.Sync()
	s.Equal(0, s.master.FleetSize())

	// The loss is a first class terminal update with a UUID; the task
	// stays until the framework acknowledges it.
	updates := s.sched.updatesFor("t1")
	last := updates[len(updates)-1]
	s.Equal(api.TaskStateLost, last.State)
	s.NotEmpty(last.UUID)
	s.Equal(1, s.master.TaskCount())

	s.Require().NoError(s.master.Acknowledge(_fw1, "t1", last.UUID))
	s.master.Sync()
	s.Equal(0, s.master.TaskCount())
}

func (s *MasterTestSuite) TestWeightUpdateRescindsAllOffers() {
	s.Require().NoError(s.master.AgentRegistered(_agent1, _agentTotal))
	s.Require().NoError(s.master.AgentRegistered("agent-2", _agentTotal))
	s.Require().NoError(s.master.Subscribe(_fw1, _conn1, _role))
	s.Require().NoError(s.master.Subscribe("framework-2", "conn-2", "batch"))
	s.Require().Eventually(func() bool {
		return s.master.OutstandingOffers() == 2
	}, _eventually, _tick)

	s.Require().NoError(s.master.UpdateWeights(map[string]float64{_role: 2}))

	// Commit is asynchronous behind authorization. The updated role has a
	// registered framework, so every outstanding offer comes back — the
	// other role's offer included, since the whole allocation is stale.
	s.Require().Eventually(func() bool {
		return s.sched.countType(api.EventRescind) >= 2
	}, _eventually, _tick)
}

func (s *MasterTestSuite) TestDeclineByNonOwnerKeepsOffer() {
	s.Require().NoError(s.master.AgentRegistered(_agent1, _agentTotal))
	s.Require().NoError(s.master.Subscribe(_fw1, _conn1, _role))
	offer := s.awaitOffer()

	s.Require().NoError(s.master.Subscribe("framework-2", "conn-2", _role))
	s.master.Sync()

	// The intruding framework gets an ERROR; the owner keeps its offer and
	// can still accept it.
	s.Require().NoError(s.master.Decline("framework-2", offer.ID, 0))
	s.master.Sync()
	s.Equal(1, s.sched.countType(api.EventError))
	s.Equal(1, s.master.OutstandingOffers())

	s.Require().NoError(s.master.Accept(_fw1, offer.ID, []*api.TaskInfo{
		{TaskID: "t1", Resources: _taskRes},
	}))
	s.Require().Eventually(func() bool {
		return s.agents.launchCount() > 0
	}, _eventually, _tick)
}

func (s *MasterTestSuite) TestTeardownKillsTasks() {
	s.launchRunningTask("t1")

	s.Require().NoError(s.master.Teardown(_fw1))
	s.master.Sync()

	s.Equal(1, s.agents.killCount())
	s.Equal(0, s.master.TaskCount())
	_, ok := s.master.sessions.Get(_fw1)
	s.False(ok)
}

func (s *MasterTestSuite) TestFailoverResendsUnacknowledged() {
	s.launchRunningTask("t1")

	// A new connection supersedes the old one; the old connection hears
	// ERROR then DISCONNECTED.
	s.Require().NoError(s.master.Subscribe(_fw1, "conn-2", _role))
	s.master.Sync()
	s.Equal(1, s.sched.countType(api.EventError))
	s.Equal(1, s.sched.countType(api.EventDisconnected))

	// The unacknowledged RUNNING update is repeated on the new connection.
	s.Require().Eventually(func() bool {
		return s.sched.updateOnConn("conn-2", "run-t1")
	}, _eventually, _tick)

	s.Require().NoError(s.master.Acknowledge(_fw1, "t1", "run-t1"))
	s.master.Sync()
}

func (s *MasterTestSuite) TestDisconnectedSuspendsFramework() {
	s.Require().NoError(s.master.AgentRegistered(_agent1, _agentTotal))
	s.Require().NoError(s.master.Subscribe(_fw1, _conn1, _role))
	s.awaitOffer()

	s.master.Disconnected(_fw1)
	s.master.Sync()

	// Offers are taken back without notification and the session is
	// inactive; the framework's tasks would keep running.
	s.Equal(0, s.master.OutstandingOffers())
	sess, ok := s.master.sessions.Get(_fw1)
	s.Require().True(ok)
	s.False(sess.Active)
}

func (s *MasterTestSuite) TestValidationErrors() {
	s.Error(s.master.Subscribe("", _conn1, _role))
	s.Error(s.master.Subscribe(_fw1, "", _role))
	s.Error(s.master.Subscribe(_fw1, _conn1, ""))
	s.Error(s.master.Accept("", "o1", nil))
	s.Error(s.master.Accept(_fw1, "o1", []*api.TaskInfo{{TaskID: ""}}))
	s.Error(s.master.Decline(_fw1, "", 0))
	s.Error(s.master.Kill(_fw1, ""))
	s.Error(s.master.Acknowledge(_fw1, "t1", ""))
	s.Error(s.master.Reconcile("", nil))
	s.Error(s.master.Suppress(""))
	s.Error(s.master.Revive(""))
	s.Error(s.master.UpdateWeights(nil))
	s.Error(s.master.UpdateWeights(map[string]float64{"": 1}))
	s.Error(s.master.UpdateWeights(map[string]float64{_role: -1}))
	s.Error(s.master.AgentRegistered("", _agentTotal))
	s.Error(s.master.StatusUpdate(_fw1, &api.TaskStatus{TaskID: "t1"}))
}
