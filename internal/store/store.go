package store

import (
	"context"
	"time"

	"github.com/me/floe/pkg/model"
)

// TaskControlStore mutates a single task's state (and its children's
// states). Every transition is a conditional compare-and-swap: the boolean
// result is false when another actor changed the row first, signaling the
// caller to re-read and retry the higher-level operation. CAS misses are
// never errors.
type TaskControlStore interface {
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasksOfAttempt(ctx context.Context, attemptID int64) ([]*model.Task, error)
	GetTaskCount(ctx context.Context, attemptID int64) (int64, error)
	TaskRelations(ctx context.Context, attemptID int64) ([]model.TaskRelation, error)

	// State transitions.
	SetState(ctx context.Context, id int64, before, after model.TaskState) (bool, error)
	SetStartedState(ctx context.Context, id int64, before, after model.TaskState) (bool, error)
	SetDoneState(ctx context.Context, id int64, before, after model.TaskState) (bool, error)
	SetSuccessStateShortCircuit(ctx context.Context, id int64, before, after model.TaskState, result model.TaskResult) (bool, error)
	SetErrorStateShortCircuit(ctx context.Context, id int64, before, after model.TaskState, errPayload model.Params) (bool, error)
	SetPlannedStateSuccessful(ctx context.Context, id int64, before, after model.TaskState, result model.TaskResult) (bool, error)
	SetPlannedStateWithDelayedError(ctx context.Context, id int64, before, after model.TaskState, flags int, errPayload model.Params) (bool, error)
	SetRetryWaitingState(ctx context.Context, id int64, before, after model.TaskState, retryInterval time.Duration, stateParams, errPayload model.Params) (bool, error)

	// Propagation primitives.
	TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx context.Context, parentID int64) (int64, error)
	TrySetRetryWaitingToReady(ctx context.Context) (int64, error)
	IsAnyProgressibleChild(ctx context.Context, taskID int64) (bool, error)
	IsAnyErrorChild(ctx context.Context, taskID int64) (bool, error)
	CollectChildrenErrors(ctx context.Context, taskID int64) ([]model.Params, error)

	// Sweep queries. lastID paginates by primary key.
	FindTasksByState(ctx context.Context, state model.TaskState, lastID int64) ([]int64, error)
	FindDirectParentsOfBlockedTasks(ctx context.Context, lastID int64) ([]int64, error)
	FindRootTasksByStates(ctx context.Context, states []model.TaskState, lastID int64) ([]*model.Task, error)
	FindAllReadyTaskIDs(ctx context.Context, limit int) ([]int64, error)

	// Dynamic tree growth.
	AddSubtask(ctx context.Context, attemptID int64, task *model.Task) (int64, error)
	AddDependencies(ctx context.Context, downstreamID int64, upstreamIDs []int64) error
	AddTaskTree(ctx context.Context, attemptID, parentID int64, specs []model.TaskSpec, rootUpstreamIDs []int64, initial bool) (int64, error)
	// AddResumedSubtask inserts a terminal copy of a prior attempt's
	// succeeded task so the work is not repeated.
	AddResumedSubtask(ctx context.Context, attemptID, parentID int64, source *model.Task) (int64, error)
	CopyInitialTasksForRetry(ctx context.Context, childIDs []int64, parentFullName string) (bool, error)

	RequestCancelAttempt(ctx context.Context, attemptID int64) (bool, error)
}

// SessionStore manages sessions, attempts, and the attempt-level
// bookkeeping: idempotent submission, done flags, and the task archive.
type SessionStore interface {
	// PutAndLockSession inserts the session if it does not exist, locks
	// its row for the duration of fn, and passes the stored session in.
	// fn typically inserts a new attempt and its root task.
	PutAndLockSession(ctx context.Context, session model.Session, fn func(SessionLock, *model.Session) error) error

	GetSession(ctx context.Context, id int64) (*model.Session, error)
	GetSessionByName(ctx context.Context, projectID int64, workflowName string, sessionTime time.Time) (*model.Session, error)
	ListSessions(ctx context.Context, projectID int64, opts model.ListOptions) ([]*model.Session, int, error)

	GetAttempt(ctx context.Context, id int64) (*model.SessionAttempt, error)
	GetLastAttempt(ctx context.Context, sessionID int64) (*model.SessionAttempt, error)
	ListAttemptsOfSession(ctx context.Context, sessionID int64, opts model.ListOptions) ([]*model.SessionAttempt, error)
	GetAttemptStateFlags(ctx context.Context, attemptID int64) (model.AttemptStateFlags, error)

	// SetDoneToAttemptState sets DONE (and SUCCESS iff success) exactly
	// once, stamping finished_at. Returns false if DONE was already set.
	SetDoneToAttemptState(ctx context.Context, attemptID int64, success bool) (bool, error)

	// AggregateAndInsertTaskArchive serializes the attempt's tasks into a
	// single archive blob and deletes the live task rows, bounding the hot
	// table. Returns the number of archived tasks.
	AggregateAndInsertTaskArchive(ctx context.Context, attemptID int64) (int, error)
	GetTaskArchive(ctx context.Context, attemptID int64) ([]*model.Task, error)

	InsertMonitors(ctx context.Context, attemptID int64, monitors []model.SessionMonitor) error
	// LockReadyMonitors invokes fn for each monitor due at now; fn
	// returning nil deletes the monitor.
	LockReadyMonitors(ctx context.Context, now time.Time, fn func(model.SessionMonitor) error) error
}

// SessionLock is the tx-scoped surface available inside PutAndLockSession.
// The store serializes on a single connection, so callers must not invoke
// other Store methods while holding the lock.
type SessionLock interface {
	InsertAttempt(attempt *model.SessionAttempt) (int64, error)
	InsertRootTask(attemptID int64, task *model.Task) (int64, error)
	LastAttempt(sessionID int64) (*model.SessionAttempt, error)
	// AddTaskTree inserts the initial tree. Specs whose full name appears
	// in resumed are inserted as terminal copies of the mapped source task
	// instead of fresh BLOCKED rows.
	AddTaskTree(attemptID, parentID int64, specs []model.TaskSpec, rootUpstreamIDs []int64, initial bool, resumed map[string]*model.Task) (int64, error)
	InsertMonitors(attemptID int64, monitors []model.SessionMonitor) error
}

// QueueStore is the durable priority queue of dispatchable task handles,
// guarded by expiring locks.
type QueueStore interface {
	// Enqueue creates an unlocked handle. queueName == "" targets the
	// shared site-wide pool. Duplicate unique names per site return a
	// ConflictError.
	Enqueue(ctx context.Context, siteID int64, queueName string, priority int, uniqueName string) (int64, error)

	// LockSharedTasks claims up to count unlocked shared-pool handles for
	// agentID, ordered by priority desc then id asc, subject to the
	// site-wide concurrency cap.
	LockSharedTasks(ctx context.Context, siteID int64, agentID string, count int, lockSeconds int) ([]*model.QueuedLock, error)

	// LockQueueBoundTasks is LockSharedTasks for a named queue, capped by
	// the queue's max concurrency.
	LockQueueBoundTasks(ctx context.Context, queueID int64, agentID string, count int, lockSeconds int) ([]*model.QueuedLock, error)

	Heartbeat(ctx context.Context, siteID int64, lockIDs []int64, agentID string, lockSeconds int) error
	DeleteLock(ctx context.Context, siteID int64, lockID int64, agentID string) error
	DeleteLockByUniqueName(ctx context.Context, siteID int64, uniqueName string, agentID string) error

	// ExpireLocks releases leases past their expiry so other agents can
	// reclaim the work, incrementing retry_count.
	ExpireLocks(ctx context.Context, now time.Time) (int64, error)

	GetOrCreateQueue(ctx context.Context, siteID int64, name string, maxConcurrency int) (*model.Queue, error)
	ActiveSiteIDs(ctx context.Context) ([]int64, error)
}

// Store is the full persistence surface.
type Store interface {
	TaskControlStore
	SessionStore
	QueueStore

	Close() error
	Migrate(ctx context.Context) error
}
