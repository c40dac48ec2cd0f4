package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStateBlocked           TaskState = "BLOCKED"
	TaskStateReady             TaskState = "READY"
	TaskStateRetryWaiting      TaskState = "RETRY_WAITING"
	TaskStateGroupRetryWaiting TaskState = "GROUP_RETRY_WAITING"
	TaskStateRunning           TaskState = "RUNNING"
	TaskStatePlanned           TaskState = "PLANNED"
	TaskStateGroupError        TaskState = "GROUP_ERROR"
	TaskStateSuccess           TaskState = "SUCCESS"
	TaskStateError             TaskState = "ERROR"
	TaskStateCanceled          TaskState = "CANCELED"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsDone returns true if the task is in a final state. Done tasks never
// change state again.
func (s TaskState) IsDone() bool {
	switch s {
	case TaskStateSuccess, TaskStateGroupError, TaskStateError, TaskStateCanceled:
		return true
	}
	return false
}

// IsRunnable returns true if the task can be handed to an agent.
func (s TaskState) IsRunnable() bool {
	return s == TaskStateReady
}

// IsProgressing returns true for states that still make forward progress
// on their own (without waiting on siblings).
func (s TaskState) IsProgressing() bool {
	switch s {
	case TaskStateReady, TaskStateRetryWaiting, TaskStateGroupRetryWaiting,
		TaskStateRunning, TaskStatePlanned:
		return true
	}
	return false
}

// CanRunChildren returns true if a task in this state allows its BLOCKED
// children to become READY.
func (s TaskState) CanRunChildren() bool {
	return s == TaskStatePlanned || s == TaskStateSuccess
}

// CanRunDownstream returns true if a task in this state unblocks tasks
// that declare it as an upstream.
func (s TaskState) CanRunDownstream() bool {
	return s == TaskStateSuccess
}

// DoneStates lists all final states.
func DoneStates() []TaskState {
	return []TaskState{TaskStateSuccess, TaskStateGroupError, TaskStateError, TaskStateCanceled}
}

// NotDoneStates lists all non-final states.
func NotDoneStates() []TaskState {
	return []TaskState{
		TaskStateBlocked, TaskStateReady, TaskStateRetryWaiting,
		TaskStateGroupRetryWaiting, TaskStateRunning, TaskStatePlanned,
	}
}

// ProgressingStates lists the states checked by IsAnyProgressibleChild.
func ProgressingStates() []TaskState {
	return []TaskState{
		TaskStateReady, TaskStateRetryWaiting, TaskStateGroupRetryWaiting,
		TaskStateRunning, TaskStatePlanned,
	}
}

// TaskType distinguishes executable tasks from pure container tasks.
type TaskType string

const (
	// TaskTypeAction is a task executed by a remote agent.
	TaskTypeAction TaskType = "ACTION"

	// TaskTypeGrouping is a container task. It never runs user code; its
	// state is derived entirely from its children.
	TaskTypeGrouping TaskType = "GROUPING"
)

// String returns the string representation of the task type.
func (t TaskType) String() string {
	return string(t)
}

// IsGroupingOnly returns true for container tasks.
func (t TaskType) IsGroupingOnly() bool {
	return t == TaskTypeGrouping
}
