package api

import (
	"fmt"
	"time"

	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// FrameworkID identifies a registered framework, stable across failover.
type FrameworkID string

// AgentID identifies a resource providing agent.
type AgentID string

// TaskID identifies a task within a framework.
type TaskID string

// TaskKey is the unique identity of a task at the master.
type TaskKey struct {
	FrameworkID FrameworkID
	TaskID      TaskID
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s", k.FrameworkID, k.TaskID)
}

// TaskState is the state of a task as tracked by the master.
type TaskState string

// Task states. PENDING is internal: the task's accept is still undergoing
// authorization and it has not been handed to an agent yet.
const (
	TaskStatePending  TaskState = "TASK_PENDING"
	TaskStateStaging  TaskState = "TASK_STAGING"
	TaskStateStarting TaskState = "TASK_STARTING"
	TaskStateRunning  TaskState = "TASK_RUNNING"
	TaskStateKilling  TaskState = "TASK_KILLING"
	TaskStateFinished TaskState = "TASK_FINISHED"
	TaskStateFailed   TaskState = "TASK_FAILED"
	TaskStateKilled   TaskState = "TASK_KILLED"
	TaskStateLost     TaskState = "TASK_LOST"
	TaskStateError    TaskState = "TASK_ERROR"
	TaskStateDropped  TaskState = "TASK_DROPPED"
)

// IsTerminal returns whether the state is a terminal task state. Terminality
// is sticky: no status update may move a task out of a terminal state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateFinished,
		TaskStateFailed,
		TaskStateKilled,
		TaskStateLost,
		TaskStateError,
		TaskStateDropped:
		return true
	}
	return false
}

// ReasonReconciliation tags status updates synthesized by the reconciliation
// engine rather than reported by an agent.
const ReasonReconciliation = "reconciliation"

// TaskStatus reports a task state transition. UUID is set on agent generated
// updates which require acknowledgement; it is unset on reconciliation
// responses, which are neither retried nor acknowledged.
type TaskStatus struct {
	TaskID    TaskID
	AgentID   AgentID
	State     TaskState
	Reason    string
	Message   string
	UUID      string
	Timestamp time.Time
}

// TaskInfo describes a task to launch as part of accepting an offer.
type TaskInfo struct {
	TaskID    TaskID
	Resources scalar.Resources
}
