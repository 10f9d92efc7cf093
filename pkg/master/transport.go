package master

import (
	"github.com/capstan-io/capstan/pkg/api"
)

// AgentTransport delivers task commands to agents. The wire protocol is out
// of scope; the master only requires ordered delivery per agent. Agent
// originated messages (status updates, lifecycle events) arrive through the
// master's Agent* and StatusUpdate entry points.
type AgentTransport interface {
	// Launch hands a task to an agent for execution.
	Launch(
		agentID api.AgentID,
		frameworkID api.FrameworkID,
		task *api.TaskInfo)

	// Kill asks an agent to kill a task.
	Kill(
		agentID api.AgentID,
		frameworkID api.FrameworkID,
		taskID api.TaskID)
}
