package master

import (
	"context"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/scalar"
	"github.com/capstan-io/capstan/pkg/master/allocator"
	"github.com/capstan-io/capstan/pkg/master/offerpool"
	"github.com/capstan-io/capstan/pkg/master/taskstore"
)

// UseDefaultRefuseTimeout makes Decline apply the configured default filter
// duration.
const UseDefaultRefuseTimeout = time.Duration(-1)

// Subscribe attaches a framework connection. Resubscribing with the same
// framework ID on a new connection fails the previous connection over
// atomically; queued status updates resume on the new connection.
func (m *Master) Subscribe(
	frameworkID api.FrameworkID,
	connectionID string,
	role string) error {

	m.metrics.SubscribeCalls.Inc(1)
	if frameworkID == "" || connectionID == "" {
		return errors.New("framework ID and connection ID are required")
	}
	if role == "" {
		return errors.New("framework role is required")
	}

	m.post("subscribe", func() {
		m.sessions.Subscribe(frameworkID, connectionID, role)
		if err := m.allocator.AddFramework(frameworkID, role); err != nil {
			// Known framework reconnecting.
			m.allocator.ActivateFramework(frameworkID)
		}
		m.pipeline.Resume(frameworkID)
		m.allocator.Kick()
	})
	return nil
}

// Disconnected handles a framework connection loss: its session goes
// inactive, its offers are taken back and update delivery pauses until it
// resubscribes. Its tasks keep running.
func (m *Master) Disconnected(frameworkID api.FrameworkID) {
	m.post("disconnected", func() {
		if !m.sessions.Disconnect(frameworkID) {
			return
		}
		m.allocator.DeactivateFramework(frameworkID)
		m.pipeline.Suspend(frameworkID)
		m.rescindFramework(frameworkID, false)
	})
}

// Teardown removes a framework permanently: its tasks are killed, its
// offers taken back and all its state dropped.
func (m *Master) Teardown(frameworkID api.FrameworkID) error {
	m.metrics.TeardownCalls.Inc(1)
	if frameworkID == "" {
		return errors.New("framework ID is required")
	}

	m.post("teardown", func() {
		m.rescindFramework(frameworkID, false)
		for _, task := range m.tasks.RemoveFramework(frameworkID) {
			if task.IsTerminal() {
				continue
			}
			m.agentComm.Kill(task.AgentID, frameworkID, task.Key.TaskID)
			m.allocator.RecoverResources(
				frameworkID, task.AgentID, task.Resources, nil)
		}
		m.pipeline.CancelFramework(frameworkID)
		m.sessions.Remove(frameworkID)
		m.allocator.RemoveFramework(frameworkID)
		log.WithField("framework_id", frameworkID).Info("Framework torn down")
	})
	return nil
}

// Accept consumes an offer and launches tasks against it. The launch is
// authorized asynchronously: tasks sit in PENDING until the decision and are
// only handed to the agent on approval. Unused offer resources return to the
// free pool immediately.
func (m *Master) Accept(
	frameworkID api.FrameworkID,
	offerID api.OfferID,
	tasks []*api.TaskInfo) error {

	m.metrics.AcceptCalls.Inc(1)
	if frameworkID == "" || offerID == "" {
		return errors.New("framework ID and offer ID are required")
	}
	seen := make(map[api.TaskID]struct{}, len(tasks))
	for _, t := range tasks {
		if t == nil || t.TaskID == "" {
			return errors.New("every task needs a task ID")
		}
		if _, ok := seen[t.TaskID]; ok {
			// Rejected whole: a partial launch would strand the duplicate's
			// resources between the offer and the task registry.
			return errors.Errorf(
				"task ID %s appears twice in one accept", t.TaskID)
		}
		seen[t.TaskID] = struct{}{}
	}

	m.post("accept", func() {
		m.acceptOnLoop(frameworkID, offerID, tasks)
	})
	return nil
}

func (m *Master) acceptOnLoop(
	frameworkID api.FrameworkID,
	offerID api.OfferID,
	tasks []*api.TaskInfo) {

	offer, ok := m.claimFor(frameworkID, offerID)
	if !ok {
		return
	}

	// Accept with no tasks consumes the offer like a decline with the
	// default filter.
	if len(tasks) == 0 {
		m.allocator.RecoverResources(
			frameworkID, offer.AgentID, offer.Resources,
			&allocator.Filter{
				RefuseDuration: m.config.DefaultRefuseTimeout,
			})
		return
	}

	var total scalar.Resources
	for _, t := range tasks {
		total = total.Add(t.Resources)
	}
	if !offer.Resources.Contains(total) {
		m.allocator.RecoverResources(
			frameworkID, offer.AgentID, offer.Resources, nil)
		m.sendError(frameworkID,
			"accepted tasks exceed the offered resources")
		return
	}
	for _, t := range tasks {
		key := api.TaskKey{FrameworkID: frameworkID, TaskID: t.TaskID}
		if _, ok := m.tasks.Get(key); ok {
			m.allocator.RecoverResources(
				frameworkID, offer.AgentID, offer.Resources, nil)
			m.sendError(frameworkID,
				"task ID "+string(t.TaskID)+" is already in use")
			return
		}
	}

	for _, t := range tasks {
		key := api.TaskKey{FrameworkID: frameworkID, TaskID: t.TaskID}
		if _, err := m.tasks.Create(key, offer.AgentID, t.Resources); err != nil {
			log.WithError(err).WithField("task", key.String()).
				Error("Failed to create task")
			continue
		}
		m.metrics.TasksCreated.Inc(1)
	}

	leftover := offer.Resources.Subtract(total)
	if !leftover.Empty() {
		m.allocator.RecoverResources(
			frameworkID, offer.AgentID, leftover, nil)
	}

	// Authorization may block on an external service; the decision is
	// awaited off the loop and applied when it lands.
	agentID := offer.AgentID
	go func() {
		granted := m.authorizer.Authorized(context.Background(), &AuthRequest{
			FrameworkID: string(frameworkID),
			Action:      ActionLaunchTasks,
		})
		m.post("accept-authorized", func() {
			m.completeAccept(frameworkID, agentID, tasks, granted)
		})
	}()
}

// completeAccept applies the authorization decision for an accept. Runs on
// the event loop.
func (m *Master) completeAccept(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	tasks []*api.TaskInfo,
	granted bool) {

	if !granted {
		m.metrics.AuthDenied.Inc(1)
	}

	for _, t := range tasks {
		key := api.TaskKey{FrameworkID: frameworkID, TaskID: t.TaskID}
		task, ok := m.tasks.Get(key)
		if !ok || task.State() != api.TaskStatePending {
			// Killed or torn down while authorization was pending.
			continue
		}

		if granted {
			_, err := m.tasks.Apply(frameworkID, &api.TaskStatus{
				TaskID:  t.TaskID,
				AgentID: agentID,
				State:   api.TaskStateStaging,
				Reason:  "task launched",
			})
			if err != nil {
				log.WithError(err).WithField("task", key.String()).
					Error("Failed to stage task")
				continue
			}
			m.agentComm.Launch(agentID, frameworkID, t)
			continue
		}

		m.applyStatus(frameworkID, &api.TaskStatus{
			TaskID:    t.TaskID,
			AgentID:   agentID,
			State:     api.TaskStateError,
			Reason:    "authorization denied",
			Message:   "framework is not authorized to launch tasks",
			UUID:      uuid.NewUUID().String(),
			Timestamp: m.clock.Now(),
		})
	}
}

// Decline consumes an offer without launching anything and installs a
// decline filter for refuse. UseDefaultRefuseTimeout applies the configured
// default; zero installs no filter.
func (m *Master) Decline(
	frameworkID api.FrameworkID,
	offerID api.OfferID,
	refuse time.Duration) error {

	m.metrics.DeclineCalls.Inc(1)
	if frameworkID == "" || offerID == "" {
		return errors.New("framework ID and offer ID are required")
	}

	m.post("decline", func() {
		offer, ok := m.claimFor(frameworkID, offerID)
		if !ok {
			return
		}
		d := refuse
		if d < 0 {
			d = m.config.DefaultRefuseTimeout
		}
		var filter *allocator.Filter
		if d > 0 {
			filter = &allocator.Filter{RefuseDuration: d}
		}
		m.allocator.RecoverResources(
			frameworkID, offer.AgentID, offer.Resources, filter)
	})
	return nil
}

// Kill asks for a task to be killed. A task not yet handed to an agent is
// killed locally; otherwise the kill is forwarded and the terminal state
// arrives as a status update from the agent. Killing an unknown task
// answers TASK_LOST so the framework can clean up.
func (m *Master) Kill(
	frameworkID api.FrameworkID,
	taskID api.TaskID) error {

	m.metrics.KillCalls.Inc(1)
	if frameworkID == "" || taskID == "" {
		return errors.New("framework ID and task ID are required")
	}

	m.post("kill", func() {
		key := api.TaskKey{FrameworkID: frameworkID, TaskID: taskID}
		task, ok := m.tasks.Get(key)
		if !ok {
			m.sessions.Send(frameworkID, &api.SchedulerEvent{
				Type:        api.EventUpdate,
				FrameworkID: frameworkID,
				Status: &api.TaskStatus{
					TaskID:  taskID,
					State:   api.TaskStateLost,
					Message: "attempted to kill an unknown task",
				},
			})
			return
		}
		if task.IsTerminal() {
			return
		}

		if task.State() == api.TaskStatePending {
			// Never reached an agent; kill is local.
			m.applyStatus(frameworkID, &api.TaskStatus{
				TaskID:    taskID,
				AgentID:   task.AgentID,
				State:     api.TaskStateKilled,
				Reason:    "killed before launch",
				UUID:      uuid.NewUUID().String(),
				Timestamp: m.clock.Now(),
			})
			m.metrics.TasksKilled.Inc(1)
			return
		}
		m.agentComm.Kill(task.AgentID, frameworkID, taskID)
	})
	return nil
}

// Acknowledge confirms receipt of a status update. Acknowledging the
// terminal update prunes the task.
func (m *Master) Acknowledge(
	frameworkID api.FrameworkID,
	taskID api.TaskID,
	updateUUID string) error {

	m.metrics.AcknowledgeCalls.Inc(1)
	if frameworkID == "" || taskID == "" || updateUUID == "" {
		return errors.New("framework ID, task ID and UUID are required")
	}

	m.post("acknowledge", func() {
		if err := m.pipeline.Acknowledge(
			frameworkID, taskID, updateUUID); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"framework_id": frameworkID,
				"task_id":      taskID,
			}).Warn("Dropping unexpected acknowledgement")
			m.metrics.CallErrors.Inc(1)
			return
		}
		key := api.TaskKey{FrameworkID: frameworkID, TaskID: taskID}
		if err := m.tasks.Acknowledge(key, updateUUID); err != nil {
			log.WithError(err).WithField("task", key.String()).
				Warn("Acknowledgement did not match registry state")
		}
	})
	return nil
}

// Reconcile answers the framework's view of its tasks. With no requests the
// reconciliation is implicit: every non-terminal task is reported and any
// unacknowledged terminal update is redelivered. With requests it is
// explicit, answering each requested task from the master's records.
func (m *Master) Reconcile(
	frameworkID api.FrameworkID,
	requests []*api.ReconcileRequest) error {

	m.metrics.ReconcileCalls.Inc(1)
	if frameworkID == "" {
		return errors.New("framework ID is required")
	}

	m.post("reconcile", func() {
		if len(requests) == 0 {
			statuses, redeliver := m.reconciler.Implicit(frameworkID)
			m.sendReconciled(frameworkID, statuses)
			for _, taskID := range redeliver {
				m.pipeline.Redeliver(frameworkID, taskID)
			}
			return
		}

		m.sendReconciled(
			frameworkID, m.reconciler.Explicit(frameworkID, requests))
		// Stalled in-flight updates for the requested tasks get another
		// delivery with their original UUID so they remain acknowledgeable.
		for _, req := range requests {
			m.pipeline.Redeliver(frameworkID, req.TaskID)
		}
	})
	return nil
}

func (m *Master) sendReconciled(
	frameworkID api.FrameworkID,
	statuses []*api.TaskStatus) {

	for _, status := range statuses {
		m.sessions.Send(frameworkID, &api.SchedulerEvent{
			Type:        api.EventUpdate,
			FrameworkID: frameworkID,
			Status:      status,
		})
	}
}

// Suppress stops offers to the framework until it revives. Outstanding
// offers stay valid.
func (m *Master) Suppress(frameworkID api.FrameworkID) error {
	m.metrics.SuppressCalls.Inc(1)
	if frameworkID == "" {
		return errors.New("framework ID is required")
	}

	m.post("suppress", func() {
		if err := m.allocator.SuppressOffers(frameworkID); err != nil {
			log.WithError(err).Warn("Suppress dropped")
			m.metrics.CallErrors.Inc(1)
		}
	})
	return nil
}

// Revive clears suppression and every decline filter of the framework and
// triggers an immediate allocation pass.
func (m *Master) Revive(frameworkID api.FrameworkID) error {
	m.metrics.ReviveCalls.Inc(1)
	if frameworkID == "" {
		return errors.New("framework ID is required")
	}

	m.post("revive", func() {
		if err := m.allocator.ReviveOffers(frameworkID); err != nil {
			log.WithError(err).Warn("Revive dropped")
			m.metrics.CallErrors.Inc(1)
		}
	})
	return nil
}

// UpdateWeights changes role allocation weights. The change is authorized,
// committed to the registry, and then applied; if any updated role has
// registered frameworks, all outstanding offers are rescinded so the next
// allocation reflects the new weights.
func (m *Master) UpdateWeights(weights map[string]float64) error {
	m.metrics.UpdateWeightsCalls.Inc(1)
	if len(weights) == 0 {
		return errors.New("no weights given")
	}
	for role, w := range weights {
		if role == "" {
			return errors.New("weight update with empty role")
		}
		if w <= 0 {
			return errors.Errorf(
				"weight for role %s must be positive, got %v", role, w)
		}
	}

	go func() {
		granted := m.authorizer.Authorized(context.Background(), &AuthRequest{
			Action: ActionUpdateWeights,
		})
		m.post("weights-authorized", func() {
			m.commitWeights(weights, granted)
		})
	}()
	return nil
}

// commitWeights applies an authorized weight update. Runs on the event loop.
func (m *Master) commitWeights(weights map[string]float64, granted bool) {
	if !granted {
		m.metrics.AuthDenied.Inc(1)
		log.Warn("Weight update denied by authorizer")
		return
	}
	if !m.registry.Apply(UpdateWeightsOperation{Weights: weights}) {
		log.Error("Weight update failed to commit, not applied")
		return
	}

	affected, err := m.allocator.UpdateWeights(weights)
	if err != nil {
		log.WithError(err).Error("Weight update rejected by allocator")
		return
	}
	// Any updated role with registered frameworks invalidates the whole
	// current allocation, not just the offers of that role: every
	// outstanding offer is rescinded so the next cycle reflects the new
	// weights.
	if len(affected) > 0 {
		m.rescindAllOffers()
	}
	m.allocator.Kick()
}

// AgentRegistered admits a new agent and makes its resources allocatable.
func (m *Master) AgentRegistered(
	agentID api.AgentID,
	total scalar.Resources) error {

	if agentID == "" {
		return errors.New("agent ID is required")
	}

	m.post("agent-registered", func() {
		if err := m.fleet.Register(agentID, total); err != nil {
			log.WithError(err).Warn("Agent registration dropped")
			return
		}
		m.allocator.AddAgent(agentID, total)
		m.allocator.Kick()
	})
	return nil
}

// AgentReregistering marks an agent as reconnecting. Task fate on it is
// unresolved, so explicit reconciliation withholds answers for unknown
// tasks on the agent and no offers are made from it.
func (m *Master) AgentReregistering(agentID api.AgentID) error {
	if agentID == "" {
		return errors.New("agent ID is required")
	}

	m.post("agent-reregistering", func() {
		if err := m.fleet.StartReregistration(agentID); err != nil {
			log.WithError(err).Warn("Agent reregistration dropped")
			return
		}
		m.allocator.SetAgentAllocatable(agentID, false)
		m.rescindAgentOffers(agentID, true)
	})
	return nil
}

// AgentReregistered settles a reconnecting agent back to registered.
func (m *Master) AgentReregistered(agentID api.AgentID) error {
	if agentID == "" {
		return errors.New("agent ID is required")
	}

	m.post("agent-reregistered", func() {
		if err := m.fleet.CompleteReregistration(agentID); err != nil {
			log.WithError(err).Warn("Agent reregistration dropped")
			return
		}
		m.allocator.SetAgentAllocatable(agentID, true)
		m.allocator.Kick()
	})
	return nil
}

// AgentUnreachable marks an agent that stopped responding. Its offers are
// rescinded and nothing more is offered from it, but its tasks are not
// declared lost: the agent may come back.
func (m *Master) AgentUnreachable(agentID api.AgentID) error {
	if agentID == "" {
		return errors.New("agent ID is required")
	}

	m.post("agent-unreachable", func() {
		if err := m.fleet.MarkUnreachable(agentID); err != nil {
			log.WithError(err).Warn("Agent unreachable dropped")
			return
		}
		m.allocator.SetAgentAllocatable(agentID, false)
		m.rescindAgentOffers(agentID, true)
	})
	return nil
}

// AgentRemoved drops an agent permanently. Every non-terminal task on it
// becomes TASK_LOST, delivered through the update pipeline like any other
// terminal update.
func (m *Master) AgentRemoved(agentID api.AgentID) error {
	if agentID == "" {
		return errors.New("agent ID is required")
	}

	m.post("agent-removed", func() {
		if err := m.fleet.Remove(agentID); err != nil {
			log.WithError(err).Warn("Agent removal dropped")
			return
		}
		m.rescindAgentOffers(agentID, false)
		m.allocator.RemoveAgent(agentID)

		for _, task := range m.tasks.OnAgent(agentID) {
			if task.IsTerminal() {
				continue
			}
			m.applyStatus(task.Key.FrameworkID, &api.TaskStatus{
				TaskID:    task.Key.TaskID,
				AgentID:   agentID,
				State:     api.TaskStateLost,
				Reason:    "agent removed",
				Message:   "agent was removed from the cluster",
				UUID:      uuid.NewUUID().String(),
				Timestamp: m.clock.Now(),
			})
			m.metrics.TasksLost.Inc(1)
		}
	})
	return nil
}

// StatusUpdate ingests a task status update reported by an agent. A new
// transition is delivered to the framework with at-least-once semantics;
// duplicates and post-terminal updates are dropped.
func (m *Master) StatusUpdate(
	frameworkID api.FrameworkID,
	status *api.TaskStatus) error {

	if frameworkID == "" || status == nil {
		return errors.New("framework ID and status are required")
	}
	if status.TaskID == "" || status.UUID == "" {
		return errors.New("agent status updates need a task ID and UUID")
	}

	m.post("status-update", func() {
		m.applyStatus(frameworkID, status)
	})
	return nil
}

// applyStatus validates a status update against the task registry and, when
// it transitions the task, hands it to the delivery pipeline. Runs on the
// event loop.
func (m *Master) applyStatus(
	frameworkID api.FrameworkID,
	status *api.TaskStatus) {

	transitioned, err := m.tasks.Apply(frameworkID, status)
	switch {
	case err == nil:
		if !transitioned {
			return
		}
		m.pipeline.Enqueue(frameworkID, status)
		if status.State.IsTerminal() {
			key := api.TaskKey{
				FrameworkID: frameworkID,
				TaskID:      status.TaskID,
			}
			if task, ok := m.tasks.Get(key); ok {
				m.allocator.RecoverResources(
					frameworkID, task.AgentID, task.Resources, nil)
			}
		}

	case errors.Is(err, taskstore.ErrDuplicateUpdate),
		errors.Is(err, taskstore.ErrAlreadyTerminal):
		// Dropped silently; the store counted it.

	case errors.Is(err, taskstore.ErrTaskNotFound):
		log.WithFields(log.Fields{
			"framework_id": frameworkID,
			"task_id":      status.TaskID,
			"state":        status.State,
		}).Warn("Status update for unknown task")

	default:
		log.WithError(err).WithFields(log.Fields{
			"framework_id": frameworkID,
			"task_id":      status.TaskID,
			"state":        status.State,
		}).Error("Rejected status update")
	}
}

// LeadershipLost disconnects every framework and takes back all offers,
// used when this master stops being the leader. Frameworks resubscribe to
// the new leader and reconcile.
func (m *Master) LeadershipLost() {
	m.post("leadership-lost", func() {
		active := m.sessions.Active()
		m.sessions.DisconnectAll()
		for _, frameworkID := range active {
			m.allocator.DeactivateFramework(frameworkID)
			m.pipeline.Suspend(frameworkID)
			m.rescindFramework(frameworkID, false)
		}
	})
}

// claimFor consumes an offer on behalf of a framework. Ownership is checked
// before the offer leaves the pool, so a non-owner's call cannot consume it.
// Runs on the event loop.
func (m *Master) claimFor(
	frameworkID api.FrameworkID,
	offerID api.OfferID) (*api.Offer, bool) {

	offer, err := m.offers.Claim(offerID, frameworkID)
	switch {
	case err == nil:
		return offer, true
	case errors.Is(err, offerpool.ErrNotOfferOwner):
		m.sendError(frameworkID, "offer belongs to another framework")
	default:
		m.sendError(frameworkID, "offer is no longer valid")
	}
	return nil, false
}

// rescindAgentOffers takes back all outstanding offers on an agent.
// recoverable controls whether the resources return to the free pool; a
// removed agent's resources are gone with it.
func (m *Master) rescindAgentOffers(agentID api.AgentID, recoverable bool) {
	for _, offer := range m.offers.RescindAgent(agentID) {
		m.sessions.Send(offer.FrameworkID, &api.SchedulerEvent{
			Type:        api.EventRescind,
			FrameworkID: offer.FrameworkID,
			OfferID:     offer.ID,
		})
		if recoverable {
			m.allocator.RecoverResources(
				offer.FrameworkID, offer.AgentID, offer.Resources, nil)
		}
	}
}
