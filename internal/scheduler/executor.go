package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/me/floe/internal/store"
	"github.com/me/floe/pkg/model"
)

// Generated subtask name segments.
const (
	subTaskName          = "^sub"
	checkTaskName        = "^check"
	errorTaskName        = "^error"
	failureAlertTaskName = "^failure-alert"
)

// encodeLockName builds the queue unique name for a task. The retry count
// is part of the name so that a re-dispatched task gets a fresh handle
// while the unique constraint still blocks double enqueueing of the same
// incarnation.
func encodeLockName(taskID int64, retryCount int) string {
	if retryCount == 0 {
		return strconv.FormatInt(taskID, 10)
	}
	return fmt.Sprintf("%d.r%d", taskID, retryCount)
}

// decodeLockName extracts the task ID from a queue unique name.
func decodeLockName(name string) (int64, error) {
	base, _, _ := strings.Cut(name, ".")
	id, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed lock name %q: %w", name, err)
	}
	return id, nil
}

// SubmitRequest describes a new workflow execution.
type SubmitRequest struct {
	ProjectID    int64
	SiteID       int64
	WorkflowName string
	SessionTime  time.Time
	TimeZone     string
	Params       model.Params

	// Specs is the initial task tree, attached under the root grouping
	// task that the executor creates.
	Specs []model.TaskSpec

	// Monitors are scheduled alert tasks (e.g. SLA deadlines) injected
	// into the running attempt when their time comes.
	Monitors []model.SessionMonitor

	// RetryAttemptName names this submission as a retry of an earlier
	// attempt of the same session.
	RetryAttemptName *string

	// ResumingTasks are succeeded tasks carried over from the attempt
	// being retried. Specs whose full name matches one of these are
	// inserted already terminal instead of being run again.
	ResumingTasks []*model.Task
}

// Executor owns the task tree semantics: submission, agent result
// callbacks, and cancellation. All state changes go through the store's
// CAS transitions, so any number of executors can run concurrently.
type Executor struct {
	store  store.Store
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(st store.Store, logger *slog.Logger) *Executor {
	return &Executor{
		store:  st,
		logger: logger.With("component", "executor"),
	}
}

// SubmitWorkflow creates the session if needed, adds a new attempt with
// its root grouping task and initial task tree, and registers monitors.
// Submitting a session that already has an attempt fails with a conflict
// unless the request is marked as a retry.
func (e *Executor) SubmitWorkflow(ctx context.Context, req SubmitRequest) (*model.SessionAttempt, error) {
	if req.WorkflowName == "" {
		return nil, model.NewValidationError("workflow name is required")
	}
	if err := model.ValidateSpecs(req.Specs); err != nil {
		return nil, model.NewValidationError(err.Error())
	}
	timeZone := req.TimeZone
	if timeZone == "" {
		timeZone = "UTC"
	}

	var resumed map[string]*model.Task
	if len(req.ResumingTasks) > 0 {
		rootName := "+" + req.WorkflowName
		resumed = make(map[string]*model.Task, len(req.ResumingTasks))
		for _, t := range req.ResumingTasks {
			if t.FullName == rootName {
				return nil, model.NewValidationError("resuming the root task is not allowed")
			}
			resumed[t.FullName] = t
		}
	}

	var attempt *model.SessionAttempt
	err := e.store.PutAndLockSession(ctx, model.Session{
		ProjectID:    req.ProjectID,
		WorkflowName: req.WorkflowName,
		SessionTime:  req.SessionTime,
	}, func(lock store.SessionLock, sess *model.Session) error {
		index := 1
		last, err := lock.LastAttempt(sess.ID)
		if err != nil && !model.IsNotFound(err) {
			return err
		}
		if last != nil {
			if req.RetryAttemptName == nil {
				return model.NewConflictError("session %d already has attempt %d", sess.ID, last.Index)
			}
			if !last.Flags.IsDone() {
				return model.NewConflictError("attempt %d of session %d is still running", last.Index, sess.ID)
			}
			index = last.Index + 1
		}

		attempt = &model.SessionAttempt{
			SessionID:        sess.ID,
			SiteID:           req.SiteID,
			Index:            index,
			TimeZone:         timeZone,
			Params:           req.Params,
			RetryAttemptName: req.RetryAttemptName,
			CreatedAt:        time.Now().UTC(),
		}
		attemptID, err := lock.InsertAttempt(attempt)
		if err != nil {
			return err
		}

		rootID, err := lock.InsertRootTask(attemptID, &model.Task{
			FullName: "+" + req.WorkflowName,
			TaskType: model.TaskTypeGrouping,
			Config:   model.Params{},
			State:    model.TaskStatePlanned,
			Flags:    model.TaskFlagInitialTask,
		})
		if err != nil {
			return err
		}

		if len(req.Specs) > 0 {
			if _, err := lock.AddTaskTree(attemptID, rootID, req.Specs, nil, true, resumed); err != nil {
				return err
			}
		}
		return lock.InsertMonitors(attemptID, req.Monitors)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("attempt submitted",
		"session", attempt.SessionID, "attempt", attempt.ID, "workflow", req.WorkflowName)
	return attempt, nil
}

// SubmitRetryAttempt resubmits a session as a fresh attempt. The previous
// attempt must be done. A non-zero resumeAttemptID carries over the
// succeeded tasks of that attempt so only the failed part runs again.
func (e *Executor) SubmitRetryAttempt(ctx context.Context, req SubmitRequest, retryAttemptName string, resumeAttemptID int64) (*model.SessionAttempt, error) {
	if retryAttemptName == "" {
		return nil, model.NewValidationError("retry attempt name is required")
	}
	if resumeAttemptID != 0 {
		resuming, err := e.collectResumingTasks(ctx, resumeAttemptID)
		if err != nil {
			return nil, err
		}
		req.ResumingTasks = resuming
	}
	req.RetryAttemptName = &retryAttemptName
	return e.SubmitWorkflow(ctx, req)
}

// collectResumingTasks loads the finished attempt's task tree and keeps
// the succeeded non-root tasks. Runtime-generated subtasks are skipped:
// they never match a definition spec and their parent's success already
// covers them.
func (e *Executor) collectResumingTasks(ctx context.Context, attemptID int64) ([]*model.Task, error) {
	tasks, err := e.store.GetTaskArchive(ctx, attemptID)
	if model.IsNotFound(err) {
		tasks, err = e.store.ListTasksOfAttempt(ctx, attemptID)
	}
	if err != nil {
		return nil, err
	}
	var resuming []*model.Task
	for _, t := range tasks {
		if t.IsRoot() || t.State != model.TaskStateSuccess {
			continue
		}
		if strings.Contains(t.FullName, "^") {
			continue
		}
		resuming = append(resuming, t)
	}
	return resuming, nil
}

// verifyLockedTask loads the task and checks that it belongs to siteID.
func (e *Executor) verifyLockedTask(ctx context.Context, siteID, taskID int64) (*model.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	attempt, err := e.store.GetAttempt(ctx, task.AttemptID)
	if err != nil {
		return nil, err
	}
	if attempt.SiteID != siteID {
		return nil, model.NewNotFoundError("task", taskID)
	}
	return task, nil
}

// releaseLock deletes the agent's queue lock for a finished task
// incarnation. A missing lock is fine: it may already have expired.
func (e *Executor) releaseLock(ctx context.Context, siteID int64, task *model.Task, agentID string) {
	name := encodeLockName(task.ID, task.RetryCount)
	if err := e.store.DeleteLockByUniqueName(ctx, siteID, name, agentID); err != nil && !model.IsConflict(err) {
		e.logger.Warn("release lock failed", "task", task.ID, "error", err)
	}
}

// TaskSucceeded handles an agent's success report. Tasks that generated
// subtasks or carry a "_check" config go to PLANNED and run them first;
// otherwise the task short-circuits to SUCCESS.
func (e *Executor) TaskSucceeded(ctx context.Context, siteID, taskID int64, agentID string, result model.TaskResult) error {
	task, err := e.verifyLockedTask(ctx, siteID, taskID)
	if err != nil {
		return err
	}
	defer e.releaseLock(ctx, siteID, task, agentID)

	if task.State != model.TaskStateRunning {
		e.logger.Warn("success report for a task that is not running", "task", taskID, "state", task.State)
		return nil
	}

	specs := generatedSpecs(result.Subtasks, task.CheckConfig())
	if len(specs) == 0 {
		ok, err := e.store.SetSuccessStateShortCircuit(ctx, taskID, model.TaskStateRunning, model.TaskStateSuccess, result)
		if err != nil {
			return err
		}
		if !ok {
			e.logger.Warn("lost race finishing task", "task", taskID)
		}
		return nil
	}

	ok, err := e.store.SetPlannedStateSuccessful(ctx, taskID, model.TaskStateRunning, model.TaskStatePlanned, result)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warn("lost race planning task", "task", taskID)
		return nil
	}
	_, err = e.store.AddTaskTree(ctx, task.AttemptID, taskID, specs, nil, false)
	return err
}

// generatedSpecs wraps agent-generated subtasks under a ^sub grouping task
// and appends a ^check task when checkConfig is present. ^sub children run
// before ^check.
func generatedSpecs(subtasks []model.TaskSpec, checkConfig model.Params) []model.TaskSpec {
	var specs []model.TaskSpec
	if len(subtasks) > 0 {
		specs = append(specs, model.TaskSpec{
			Name:     subTaskName,
			TaskType: model.TaskTypeGrouping,
			Config:   model.Params{},
		})
		for _, sub := range subtasks {
			shifted := sub
			if sub.ParentIndex == nil {
				zero := 0
				shifted.ParentIndex = &zero
			} else {
				idx := *sub.ParentIndex + 1
				shifted.ParentIndex = &idx
			}
			shifted.UpstreamIndexes = nil
			for _, up := range sub.UpstreamIndexes {
				shifted.UpstreamIndexes = append(shifted.UpstreamIndexes, up+1)
			}
			specs = append(specs, shifted)
		}
	}
	if !checkConfig.IsEmpty() {
		check := model.TaskSpec{
			Name:     checkTaskName,
			TaskType: model.TaskTypeAction,
			Config:   checkConfig,
		}
		if len(specs) > 0 {
			check.UpstreamIndexes = []int{0}
		}
		specs = append(specs, check)
	}
	return specs
}

// TaskFailed handles an agent's failure report. The retry policy is
// consulted first; with retries left the task parks in RETRY_WAITING.
// Otherwise a "_error" handler defers the terminal state until the
// handler subtasks ran; without one the task short-circuits to ERROR.
func (e *Executor) TaskFailed(ctx context.Context, siteID, taskID int64, agentID string, errPayload model.Params) error {
	task, err := e.verifyLockedTask(ctx, siteID, taskID)
	if err != nil {
		return err
	}
	defer e.releaseLock(ctx, siteID, task, agentID)

	if task.State != model.TaskStateRunning {
		e.logger.Warn("failure report for a task that is not running", "task", taskID, "state", task.State)
		return nil
	}

	rc := NewRetryControl(task.Config, task.StateParams)
	if retry, interval, nextParams := rc.Evaluate(task.StateParams); retry {
		_, err := e.store.SetRetryWaitingState(ctx, taskID,
			model.TaskStateRunning, model.TaskStateRetryWaiting, interval, nextParams, errPayload)
		return err
	}

	if errorConfig := task.ErrorConfig(); !errorConfig.IsEmpty() {
		ok, err := e.store.SetPlannedStateWithDelayedError(ctx, taskID,
			model.TaskStateRunning, model.TaskStatePlanned, model.TaskFlagDelayedError, errPayload)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		_, err = e.store.AddTaskTree(ctx, task.AttemptID, taskID, []model.TaskSpec{{
			Name:     errorTaskName,
			TaskType: model.TaskTypeAction,
			Config:   errorConfig,
		}}, nil, false)
		return err
	}

	_, err = e.store.SetErrorStateShortCircuit(ctx, taskID,
		model.TaskStateRunning, model.TaskStateError, errPayload)
	return err
}

// RetryTask parks a RUNNING task to be re-dispatched after interval
// without consuming the retry policy. Agents use it for polling
// operators that need to check back later.
func (e *Executor) RetryTask(ctx context.Context, siteID, taskID int64, agentID string, interval time.Duration, stateParams model.Params) error {
	task, err := e.verifyLockedTask(ctx, siteID, taskID)
	if err != nil {
		return err
	}
	defer e.releaseLock(ctx, siteID, task, agentID)

	if task.State != model.TaskStateRunning {
		e.logger.Warn("retry request for a task that is not running", "task", taskID, "state", task.State)
		return nil
	}
	if stateParams == nil {
		stateParams = task.StateParams
	}
	_, err = e.store.SetRetryWaitingState(ctx, taskID,
		model.TaskStateRunning, model.TaskStateRetryWaiting, interval, stateParams, nil)
	return err
}

// KillAttempt requests cancellation. BLOCKED tasks drain to CANCELED via
// propagation; RUNNING tasks finish their current execution first.
func (e *Executor) KillAttempt(ctx context.Context, attemptID int64) (bool, error) {
	ok, err := e.store.RequestCancelAttempt(ctx, attemptID)
	if err != nil {
		return false, err
	}
	if ok {
		e.logger.Info("cancel requested", "attempt", attemptID)
	}
	return ok, nil
}
