package model

import "fmt"

// Task state flag bits. Flags are orthogonal to TaskState: they record
// pending decisions (cancellation, delayed errors) without consuming a
// state machine transition.
const (
	// TaskFlagCancelRequested marks a task whose attempt was canceled.
	// The propagator turns BLOCKED tasks with this flag into CANCELED
	// instead of READY; RUNNING tasks finish naturally.
	TaskFlagCancelRequested = 1 << 0

	// TaskFlagDelayedError marks a RUNNING task that failed but whose
	// error-handler subtasks must run before the final ERROR state.
	TaskFlagDelayedError = 1 << 1

	// TaskFlagDelayedGroupError is the grouping-task equivalent of
	// TaskFlagDelayedError.
	TaskFlagDelayedGroupError = 1 << 2

	// TaskFlagInitialTask marks tasks created at attempt submission, as
	// opposed to tasks generated at runtime. Group retry re-creates only
	// initial tasks.
	TaskFlagInitialTask = 1 << 3

	taskFlagsAll = TaskFlagCancelRequested | TaskFlagDelayedError |
		TaskFlagDelayedGroupError | TaskFlagInitialTask
)

// TaskStateFlags is a validated bitset of TaskFlag* bits.
type TaskStateFlags int

// NewTaskStateFlags validates raw flag bits read from storage.
func NewTaskStateFlags(bits int) (TaskStateFlags, error) {
	if bits&^taskFlagsAll != 0 {
		return 0, fmt.Errorf("unknown task state flag bits: %b", bits&^taskFlagsAll)
	}
	return TaskStateFlags(bits), nil
}

func (f TaskStateFlags) Int() int                 { return int(f) }
func (f TaskStateFlags) IsCancelRequested() bool  { return f&TaskFlagCancelRequested != 0 }
func (f TaskStateFlags) IsDelayedError() bool     { return f&TaskFlagDelayedError != 0 }
func (f TaskStateFlags) IsDelayedGroupError() bool { return f&TaskFlagDelayedGroupError != 0 }
func (f TaskStateFlags) IsInitialTask() bool      { return f&TaskFlagInitialTask != 0 }

// WithInitialTask returns a copy with the initial-task bit set.
func (f TaskStateFlags) WithInitialTask() TaskStateFlags {
	return f | TaskFlagInitialTask
}

// Attempt state flag bits. DONE and SUCCESS are monotonic: once set they
// are never cleared.
const (
	AttemptFlagCancelRequested = 1 << 0
	AttemptFlagDone            = 1 << 1
	AttemptFlagSuccess         = 1 << 2

	attemptFlagsAll = AttemptFlagCancelRequested | AttemptFlagDone | AttemptFlagSuccess
)

// AttemptStateFlags is a validated bitset of AttemptFlag* bits.
type AttemptStateFlags int

// NewAttemptStateFlags validates raw flag bits read from storage.
func NewAttemptStateFlags(bits int) (AttemptStateFlags, error) {
	if bits&^attemptFlagsAll != 0 {
		return 0, fmt.Errorf("unknown attempt state flag bits: %b", bits&^attemptFlagsAll)
	}
	if bits&AttemptFlagSuccess != 0 && bits&AttemptFlagDone == 0 {
		return 0, fmt.Errorf("attempt SUCCESS flag requires DONE flag")
	}
	return AttemptStateFlags(bits), nil
}

func (f AttemptStateFlags) Int() int                { return int(f) }
func (f AttemptStateFlags) IsCancelRequested() bool { return f&AttemptFlagCancelRequested != 0 }
func (f AttemptStateFlags) IsDone() bool            { return f&AttemptFlagDone != 0 }
func (f AttemptStateFlags) IsSuccess() bool         { return f&AttemptFlagSuccess != 0 }
