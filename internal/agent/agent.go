package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/me/floe/internal/config"
	"github.com/me/floe/pkg/model"
)

// Agent is the work loop that leases tasks from the server, executes
// them with the configured Runner, and reports results back. Leases are
// extended by a background heartbeat so long tasks survive the lock
// timeout.
type Agent struct {
	client      *Client
	runner      Runner
	poll        time.Duration
	lockSeconds int
	maxTasks    int
	logger      *slog.Logger

	mu      sync.Mutex
	held    map[int64]struct{} // lock IDs currently leased
	running int
}

// New creates an Agent from configuration.
func New(cfg config.AgentConfig, runner Runner, logger *slog.Logger) *Agent {
	return &Agent{
		client:      NewClient(cfg.ServerURL, cfg.SiteID, cfg.AgentID),
		runner:      runner,
		poll:        cfg.PollInterval,
		lockSeconds: cfg.LockSeconds,
		maxTasks:    cfg.MaxTasks,
		logger:      logger.With("component", "agent", "agent_id", cfg.AgentID),
		held:        make(map[int64]struct{}),
	}
}

// Run starts the main work loop. It polls for tasks until the context is
// cancelled, then waits for in-flight tasks to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started", "poll", a.poll, "max_tasks", a.maxTasks)

	go a.heartbeatLoop(ctx)

	var wg sync.WaitGroup
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down, waiting for running tasks")
			wg.Wait()
			return nil

		case <-ticker.C:
			if err := a.pollOnce(ctx, &wg); err != nil {
				a.logger.Error("poll error", "error", err)
			}
		}
	}
}

// heartbeatLoop extends held leases at half the lock timeout.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(a.lockSeconds) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := a.heldLockIDs()
			if len(ids) == 0 {
				continue
			}
			if err := a.client.Heartbeat(ctx, ids, a.lockSeconds); err != nil {
				a.logger.Warn("heartbeat failed", "locks", len(ids), "error", err)
			}
		}
	}
}

func (a *Agent) heldLockIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, 0, len(a.held))
	for id := range a.held {
		ids = append(ids, id)
	}
	return ids
}

// pollOnce leases up to the free capacity and starts one goroutine per
// leased task.
func (a *Agent) pollOnce(ctx context.Context, wg *sync.WaitGroup) error {
	a.mu.Lock()
	free := a.maxTasks - a.running
	a.mu.Unlock()
	if free <= 0 {
		return nil
	}

	locks, err := a.client.LockTasks(ctx, free, a.lockSeconds)
	if err != nil {
		return err
	}

	for _, lock := range locks {
		a.mu.Lock()
		a.held[lock.ID] = struct{}{}
		a.running++
		a.mu.Unlock()

		wg.Add(1)
		go func(lock *model.QueuedLock) {
			defer wg.Done()
			defer func() {
				a.mu.Lock()
				delete(a.held, lock.ID)
				a.running--
				a.mu.Unlock()
			}()
			a.execute(ctx, lock)
		}(lock)
	}
	return nil
}

// execute runs a single leased task and reports the outcome. Reporting
// success or failure releases the lock server-side.
func (a *Agent) execute(ctx context.Context, lock *model.QueuedLock) {
	taskID, err := taskIDFromLockName(lock.UniqueName)
	if err != nil {
		a.logger.Error("bad lock", "unique_name", lock.UniqueName, "error", err)
		return
	}

	task, err := a.client.GetTask(ctx, taskID)
	if err != nil {
		a.logger.Error("load task", "task_id", taskID, "error", err)
		return
	}

	a.logger.Info("task started", "task_id", taskID, "task", task.FullName)

	result, runErr := a.runner.Run(ctx, task)
	if runErr != nil {
		a.logger.Warn("task failed", "task_id", taskID, "task", task.FullName, "error", runErr)
		if err := a.client.ReportFail(ctx, taskID, model.Params{"message": runErr.Error()}); err != nil {
			a.logger.Error("report fail", "task_id", taskID, "error", err)
		}
		return
	}

	a.logger.Info("task finished", "task_id", taskID, "task", task.FullName)
	if err := a.client.ReportSuccess(ctx, taskID, result); err != nil {
		a.logger.Error("report success", "task_id", taskID, "error", err)
	}
}

// taskIDFromLockName extracts the task ID from a queue unique name of
// the form "<taskID>" or "<taskID>.rN".
func taskIDFromLockName(name string) (int64, error) {
	base, _, _ := strings.Cut(name, ".")
	id, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed lock name %q: %w", name, err)
	}
	return id, nil
}
