package reconciler

import (
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/master/agent"
	"github.com/capstan-io/capstan/pkg/master/taskstore"
)

// Engine resolves the master's authoritative task state against a
// framework's possibly stale view. It reads the task registry and the
// observed agent states; it never talks to agents directly. Responses are
// synthesized statuses with reason "reconciliation" and no UUID — they are
// not retried and must not be acknowledged. The exception is a terminal,
// unacknowledged update: its original delivery is repeated through the
// update pipeline so the framework can still acknowledge it.
type Engine interface {
	// Explicit answers for each requested task. Requests for unknown tasks
	// on agents in a transitional state are withheld: no response until
	// the agent's fate resolves.
	Explicit(
		frameworkID api.FrameworkID,
		requests []*api.ReconcileRequest) []*api.TaskStatus

	// Implicit answers for every non-terminal task of the framework and
	// returns the task IDs whose unacknowledged in-flight update should be
	// redelivered. Acknowledged terminal tasks are pruned and therefore
	// never resent.
	Implicit(frameworkID api.FrameworkID) (
		[]*api.TaskStatus, []api.TaskID)
}

type engine struct {
	tasks   taskstore.Store
	agents  agent.Registry
	metrics *Metrics
}

// New creates a reconciliation Engine over the given registries.
func New(
	tasks taskstore.Store,
	agents agent.Registry,
	parent tally.Scope) Engine {

	return &engine{
		tasks:   tasks,
		agents:  agents,
		metrics: NewMetrics(parent.SubScope("reconciler")),
	}
}

func (e *engine) Explicit(
	frameworkID api.FrameworkID,
	requests []*api.ReconcileRequest) []*api.TaskStatus {

	e.metrics.ExplicitRequests.Inc(1)
	e.metrics.ExplicitTasks.Inc(int64(len(requests)))

	var statuses []*api.TaskStatus
	for _, req := range requests {
		key := api.TaskKey{
			FrameworkID: frameworkID,
			TaskID:      req.TaskID,
		}

		// The caller supplied state is ignored; only the master's record
		// is authoritative.
		if task, ok := e.tasks.Get(key); ok {
			statuses = append(statuses,
				task.Status(api.ReasonReconciliation))
			continue
		}

		if info, ok := e.agents.Get(req.AgentID); ok {
			if info.State.IsTransitional() {
				// The agent may still report this task once it settles;
				// answering LOST now would be premature.
				log.WithFields(log.Fields{
					"task":        key.String(),
					"agent_id":    req.AgentID,
					"agent_state": info.State,
				}).Debug("Withholding reconciliation response")
				e.metrics.Withheld.Inc(1)
				continue
			}
		}

		// Task unknown and its agent either unknown or settled without
		// the task: the task cannot exist.
		statuses = append(statuses, &api.TaskStatus{
			TaskID:  req.TaskID,
			AgentID: req.AgentID,
			State:   api.TaskStateLost,
			Reason:  api.ReasonReconciliation,
			Message: "task is unknown to the master",
		})
		e.metrics.Lost.Inc(1)
	}
	return statuses
}

func (e *engine) Implicit(frameworkID api.FrameworkID) (
	[]*api.TaskStatus, []api.TaskID) {

	e.metrics.ImplicitRequests.Inc(1)

	var statuses []*api.TaskStatus
	var redeliver []api.TaskID
	for _, task := range e.tasks.ForFramework(frameworkID) {
		if task.IsTerminal() {
			// Acknowledged terminal tasks were pruned on acknowledgement;
			// everything terminal still here is unacknowledged and its
			// original update is repeated so it can be acknowledged.
			redeliver = append(redeliver, task.Key.TaskID)
			continue
		}
		statuses = append(statuses,
			task.Status(api.ReasonReconciliation))
	}
	return statuses, redeliver
}
