package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/floe/internal/store"
	"github.com/me/floe/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration

	// EnqueueBatch caps how many READY tasks one tick dispatches.
	EnqueueBatch int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		EnqueueBatch: 100,
	}
}

// Loop is the polling status propagator. Every tick pushes all pending
// state transitions forward: waking tasks, enqueueing READY ones, and
// folding finished children into their parents. Every mutation is a CAS,
// so concurrent loops over the same store are safe.
type Loop struct {
	store  store.Store
	config Config
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, cfg Config, logger *slog.Logger) *Loop {
	if cfg.EnqueueBatch <= 0 {
		cfg.EnqueueBatch = DefaultConfig().EnqueueBatch
	}
	return &Loop{
		store:  st,
		config: cfg,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) error {
	// Phase 1: Release expired queue locks so abandoned work is re-dispatched.
	if _, err := l.store.ExpireLocks(ctx, time.Now()); err != nil {
		return fmt.Errorf("phase 1 (expire locks): %w", err)
	}

	// Phase 2: Wake RETRY_WAITING tasks whose backoff has elapsed.
	if _, err := l.store.TrySetRetryWaitingToReady(ctx); err != nil {
		return fmt.Errorf("phase 2 (retry waiting): %w", err)
	}

	// Phase 3: Advance BLOCKED children whose upstreams succeeded.
	if err := l.propagateBlockedToReady(ctx); err != nil {
		return fmt.Errorf("phase 3 (blocked): %w", err)
	}

	// Phase 4: Dispatch READY tasks to the queue.
	if err := l.enqueueReadyTasks(ctx); err != nil {
		return fmt.Errorf("phase 4 (enqueue): %w", err)
	}

	// Phase 5: Complete PLANNED tasks whose children are all done.
	if err := l.propagatePlannedToDone(ctx); err != nil {
		return fmt.Errorf("phase 5 (planned): %w", err)
	}

	// Phase 6: Finish attempts whose root task is done.
	if err := l.finishDoneAttempts(ctx); err != nil {
		return fmt.Errorf("phase 6 (attempts): %w", err)
	}

	// Phase 7: Inject due session monitor tasks.
	if err := l.injectDueMonitors(ctx); err != nil {
		return fmt.Errorf("phase 7 (monitors): %w", err)
	}

	return nil
}

func (l *Loop) propagateBlockedToReady(ctx context.Context) error {
	var lastID int64
	for {
		parents, err := l.store.FindDirectParentsOfBlockedTasks(ctx, lastID)
		if err != nil {
			return err
		}
		if len(parents) == 0 {
			return nil
		}
		for _, parentID := range parents {
			n, err := l.store.TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx, parentID)
			if err != nil {
				return err
			}
			if n > 0 {
				l.logger.Debug("woke blocked children", "parent", parentID, "count", n)
			}
		}
		lastID = parents[len(parents)-1]
	}
}

func (l *Loop) enqueueReadyTasks(ctx context.Context) error {
	ids, err := l.store.FindAllReadyTaskIDs(ctx, l.config.EnqueueBatch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := l.enqueueTask(ctx, id); err != nil {
			l.logger.Error("enqueue failed", "task", id, "error", err)
		}
	}
	return nil
}

func (l *Loop) enqueueTask(ctx context.Context, taskID int64) error {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil
		}
		return err
	}
	if task.State != model.TaskStateReady {
		return nil
	}

	if task.Flags.IsCancelRequested() {
		_, err := l.store.SetDoneState(ctx, taskID, model.TaskStateReady, model.TaskStateCanceled)
		return err
	}

	// Grouping tasks reach READY only when a group retry woke them:
	// rebuild the original children and plan the group again.
	if task.TaskType.IsGroupingOnly() {
		return l.replanGroup(ctx, task)
	}

	attempt, err := l.store.GetAttempt(ctx, task.AttemptID)
	if err != nil {
		return err
	}

	queueName := task.Config.GetString("queue", "")
	priority := task.Config.GetInt("priority", 0)
	uniqueName := encodeLockName(task.ID, task.RetryCount)

	if _, err := l.store.Enqueue(ctx, attempt.SiteID, queueName, priority, uniqueName); err != nil {
		// An existing handle means a previous tick enqueued but lost the
		// race updating the state; finish that now.
		if !model.IsConflict(err) {
			return err
		}
	}
	_, err = l.store.SetStartedState(ctx, taskID, model.TaskStateReady, model.TaskStateRunning)
	return err
}

func (l *Loop) replanGroup(ctx context.Context, task *model.Task) error {
	relations, err := l.store.TaskRelations(ctx, task.AttemptID)
	if err != nil {
		return err
	}
	var childIDs []int64
	for _, rel := range relations {
		if rel.ParentID != nil && *rel.ParentID == task.ID {
			childIDs = append(childIDs, rel.ID)
		}
	}
	if _, err := l.store.CopyInitialTasksForRetry(ctx, childIDs, task.FullName); err != nil {
		return err
	}
	_, err = l.store.SetState(ctx, task.ID, model.TaskStateReady, model.TaskStatePlanned)
	if err == nil {
		l.logger.Info("group retry planned", "task", task.ID, "name", task.FullName)
	}
	return err
}

func (l *Loop) propagatePlannedToDone(ctx context.Context) error {
	var lastID int64
	for {
		ids, err := l.store.FindTasksByState(ctx, model.TaskStatePlanned, lastID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := l.setDoneFromDoneChildren(ctx, id); err != nil {
				l.logger.Error("complete planned task failed", "task", id, "error", err)
			}
		}
		lastID = ids[len(ids)-1]
	}
}

// setDoneFromDoneChildren folds finished children into a PLANNED parent.
func (l *Loop) setDoneFromDoneChildren(ctx context.Context, taskID int64) error {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil
		}
		return err
	}
	if task.State != model.TaskStatePlanned {
		return nil
	}

	progressing, err := l.store.IsAnyProgressibleChild(ctx, taskID)
	if err != nil || progressing {
		return err
	}

	if task.Flags.IsCancelRequested() {
		_, err := l.store.SetDoneState(ctx, taskID, model.TaskStatePlanned, model.TaskStateCanceled)
		return err
	}

	// A delayed error recorded before the handler subtasks ran becomes
	// terminal now that they finished.
	if task.Flags.IsDelayedError() {
		_, err := l.store.SetDoneState(ctx, taskID, model.TaskStatePlanned, model.TaskStateError)
		return err
	}
	if task.Flags.IsDelayedGroupError() {
		_, err := l.store.SetDoneState(ctx, taskID, model.TaskStatePlanned, model.TaskStateGroupError)
		return err
	}

	anyError, err := l.store.IsAnyErrorChild(ctx, taskID)
	if err != nil {
		return err
	}
	if !anyError {
		_, err := l.store.SetDoneState(ctx, taskID, model.TaskStatePlanned, model.TaskStateSuccess)
		return err
	}

	rc := NewRetryControl(task.Config, task.StateParams)
	if retry, interval, nextParams := rc.Evaluate(task.StateParams); retry {
		_, err := l.store.SetRetryWaitingState(ctx, taskID,
			model.TaskStatePlanned, model.TaskStateGroupRetryWaiting, interval, nextParams, nil)
		return err
	}

	// A failed root additionally raises the attempt failure alert before
	// the terminal state lands.
	var handlers []model.TaskSpec
	if task.IsRoot() {
		handlers = append(handlers, model.TaskSpec{
			Name:     failureAlertTaskName,
			TaskType: model.TaskTypeAction,
			Config:   model.Params{"type": "notify", "message": "Workflow session attempt failed"},
		})
	}
	if errorConfig := task.ErrorConfig(); !errorConfig.IsEmpty() {
		handlers = append(handlers, model.TaskSpec{
			Name:     errorTaskName,
			TaskType: model.TaskTypeAction,
			Config:   errorConfig,
		})
	}
	if len(handlers) > 0 {
		return l.planGroupErrorHandlers(ctx, task, handlers)
	}

	_, err = l.store.SetDoneState(ctx, taskID, model.TaskStatePlanned, model.TaskStateGroupError)
	return err
}

// planGroupErrorHandlers adds the group's error-time subtasks and flags the
// delayed group error, deferring GROUP_ERROR until the handlers finished.
func (l *Loop) planGroupErrorHandlers(ctx context.Context, task *model.Task, handlers []model.TaskSpec) error {
	childErrors, err := l.store.CollectChildrenErrors(ctx, task.ID)
	if err != nil {
		return err
	}
	payload := model.Params{}
	if len(childErrors) > 0 {
		errs := make([]any, len(childErrors))
		for i, e := range childErrors {
			errs[i] = map[string]any(e)
		}
		payload["errors"] = errs
	}

	ok, err := l.store.SetPlannedStateWithDelayedError(ctx, task.ID,
		model.TaskStatePlanned, model.TaskStatePlanned, model.TaskFlagDelayedGroupError, payload)
	if err != nil || !ok {
		return err
	}
	_, err = l.store.AddTaskTree(ctx, task.AttemptID, task.ID, handlers, nil, false)
	return err
}

func (l *Loop) finishDoneAttempts(ctx context.Context) error {
	var lastID int64
	for {
		roots, err := l.store.FindRootTasksByStates(ctx, model.DoneStates(), lastID)
		if err != nil {
			return err
		}
		if len(roots) == 0 {
			return nil
		}
		for _, root := range roots {
			if err := l.finishAttempt(ctx, root); err != nil {
				l.logger.Error("finish attempt failed", "attempt", root.AttemptID, "error", err)
			}
		}
		lastID = roots[len(roots)-1].ID
	}
}

func (l *Loop) finishAttempt(ctx context.Context, root *model.Task) error {
	success := root.State == model.TaskStateSuccess
	ok, err := l.store.SetDoneToAttemptState(ctx, root.AttemptID, success)
	if err != nil {
		return err
	}
	if ok {
		l.logger.Info("attempt finished", "attempt", root.AttemptID, "success", success)
	}
	n, err := l.store.AggregateAndInsertTaskArchive(ctx, root.AttemptID)
	if err != nil {
		return err
	}
	l.logger.Debug("tasks archived", "attempt", root.AttemptID, "count", n)
	return nil
}

func (l *Loop) injectDueMonitors(ctx context.Context) error {
	return l.store.LockReadyMonitors(ctx, time.Now(), func(m model.SessionMonitor) error {
		flags, err := l.store.GetAttemptStateFlags(ctx, m.AttemptID)
		if err != nil {
			if model.IsNotFound(err) {
				return nil
			}
			return err
		}
		if flags.IsDone() {
			return nil
		}

		tasks, err := l.store.ListTasksOfAttempt(ctx, m.AttemptID)
		if err != nil {
			return err
		}
		var root *model.Task
		for _, t := range tasks {
			if t.IsRoot() {
				root = t
				break
			}
		}
		if root == nil || root.State.IsDone() {
			return nil
		}

		_, err = l.store.AddTaskTree(ctx, m.AttemptID, root.ID, []model.TaskSpec{{
			Name:     "^" + m.Type,
			TaskType: model.TaskTypeAction,
			Config:   m.Config,
		}}, nil, false)
		if err != nil {
			return err
		}
		l.logger.Info("monitor task injected", "attempt", m.AttemptID, "type", m.Type)
		return nil
	})
}
