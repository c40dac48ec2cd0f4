package scheduler

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/me/floe/internal/store"
	"github.com/me/floe/pkg/model"
)

const testSiteID = int64(1)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func submitRequest(specs []model.TaskSpec) SubmitRequest {
	return SubmitRequest{
		ProjectID:    1,
		SiteID:       testSiteID,
		WorkflowName: "daily-load",
		SessionTime:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Params:       model.Params{"env": "test"},
		Specs:        specs,
	}
}

func linearSpecs() []model.TaskSpec {
	return []model.TaskSpec{
		{Name: "extract", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}},
		{Name: "load", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}, UpstreamIndexes: []int{0}},
	}
}

func taskByName(t *testing.T, st *store.SQLiteStore, attemptID int64, fullName string) *model.Task {
	t.Helper()
	tasks, err := st.ListTasksOfAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	var found *model.Task
	for _, task := range tasks {
		if task.FullName == fullName {
			found = task // latest row wins
		}
	}
	if found == nil {
		t.Fatalf("task %s not found", fullName)
	}
	return found
}

func TestSubmitWorkflow_CreatesTree(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	ctx := context.Background()

	attempt, err := exec.SubmitWorkflow(ctx, submitRequest(linearSpecs()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if attempt.Index != 1 {
		t.Errorf("attempt index = %d, want 1", attempt.Index)
	}

	tasks, err := st.ListTasksOfAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("task count = %d, want root + 2", len(tasks))
	}
	root := taskByName(t, st, attempt.ID, "+daily-load")
	if !root.IsRoot() || root.State != model.TaskStatePlanned {
		t.Errorf("root = %+v", root)
	}
	extract := taskByName(t, st, attempt.ID, "+daily-load+extract")
	if extract.State != model.TaskStateBlocked || !extract.Flags.IsInitialTask() {
		t.Errorf("extract = %+v", extract)
	}
}

func TestSubmitWorkflow_DuplicateSessionConflicts(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	ctx := context.Background()

	if _, err := exec.SubmitWorkflow(ctx, submitRequest(linearSpecs())); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := exec.SubmitWorkflow(ctx, submitRequest(linearSpecs()))
	if !model.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSubmitRetryAttempt(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	ctx := context.Background()

	first, err := exec.SubmitWorkflow(ctx, submitRequest(linearSpecs()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A retry of a still-running attempt is rejected.
	if _, err := exec.SubmitRetryAttempt(ctx, submitRequest(linearSpecs()), "fix-1", 0); !model.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := st.SetDoneToAttemptState(ctx, first.ID, false); err != nil {
		t.Fatalf("finish first: %v", err)
	}
	retry, err := exec.SubmitRetryAttempt(ctx, submitRequest(linearSpecs()), "fix-1", 0)
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if retry.Index != 2 {
		t.Errorf("retry index = %d, want 2", retry.Index)
	}
	if retry.RetryAttemptName == nil || *retry.RetryAttemptName != "fix-1" {
		t.Errorf("retry name = %v", retry.RetryAttemptName)
	}
}

func TestSubmitRetryAttempt_ResumeCarriesSucceededTasks(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	loop := NewLoop(st, DefaultConfig(), testLogger())
	ctx := context.Background()

	first, err := exec.SubmitWorkflow(ctx, submitRequest(linearSpecs()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// extract succeeds with parameter updates, then load fails for good.
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	extract := taskByName(t, st, first.ID, "+daily-load+extract")
	result := model.TaskResult{
		Report:       model.Params{"rows": 7},
		ExportParams: model.Params{"watermark": "2026-03-01"},
	}
	if err := exec.TaskSucceeded(ctx, testSiteID, extract.ID, "agent-a", result); err != nil {
		t.Fatalf("succeed extract: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	load := taskByName(t, st, first.ID, "+daily-load+load")
	if load.State != model.TaskStateRunning {
		t.Fatalf("load = %s, want RUNNING", load.State)
	}
	if err := exec.TaskFailed(ctx, testSiteID, load.ID, "agent-a", model.Params{"message": "disk full"}); err != nil {
		t.Fatalf("fail load: %v", err)
	}
	driveAttempt(t, st, exec, loop, first.ID, nil)
	if flags := attemptFlags(t, st, first.ID); !flags.IsDone() || flags.IsSuccess() {
		t.Fatalf("first attempt flags = %b, want DONE without SUCCESS", flags.Int())
	}

	retry, err := exec.SubmitRetryAttempt(ctx, submitRequest(linearSpecs()), "fix-1", first.ID)
	if err != nil {
		t.Fatalf("resume retry: %v", err)
	}

	// The succeeded task arrives terminal with its recorded result.
	resumed := taskByName(t, st, retry.ID, "+daily-load+extract")
	if resumed.State != model.TaskStateSuccess {
		t.Fatalf("resumed extract = %s, want SUCCESS", resumed.State)
	}
	if !resumed.Flags.IsInitialTask() {
		t.Error("resumed task lost the initial flag")
	}
	if resumed.Report.GetInt("rows", 0) != 7 {
		t.Errorf("resumed report = %v", resumed.Report)
	}
	if resumed.ExportParams.GetString("watermark", "") != "2026-03-01" {
		t.Errorf("resumed export params = %v", resumed.ExportParams)
	}
	fresh := taskByName(t, st, retry.ID, "+daily-load+load")
	if fresh.State != model.TaskStateBlocked {
		t.Fatalf("fresh load = %s, want BLOCKED", fresh.State)
	}

	// Only the failed task is dispatched again.
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	locks, err := st.LockSharedTasks(ctx, testSiteID, "agent-a", 10, 60)
	if err != nil || len(locks) != 1 {
		t.Fatalf("lock: %v (%d)", err, len(locks))
	}
	id, err := decodeLockName(locks[0].UniqueName)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fresh = taskByName(t, st, retry.ID, "+daily-load+load")
	if id != fresh.ID {
		t.Errorf("dispatched task %d, want load %d", id, fresh.ID)
	}
	if err := exec.TaskSucceeded(ctx, testSiteID, id, "agent-a", model.TaskResult{}); err != nil {
		t.Fatalf("succeed load: %v", err)
	}
	driveAttempt(t, st, exec, loop, retry.ID, nil)
	if flags := attemptFlags(t, st, retry.ID); !flags.IsSuccess() {
		t.Fatalf("retry flags = %b, want SUCCESS", flags.Int())
	}
}

func TestTaskSucceeded_ShortCircuitsWithoutSubtasks(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	loop := NewLoop(st, DefaultConfig(), testLogger())
	ctx := context.Background()

	attempt, err := exec.SubmitWorkflow(ctx, submitRequest(linearSpecs()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	extract := taskByName(t, st, attempt.ID, "+daily-load+extract")
	if extract.State != model.TaskStateRunning {
		t.Fatalf("extract = %s, want RUNNING after dispatch", extract.State)
	}
	if extract.StartedAt == nil {
		t.Error("dispatch did not stamp started_at")
	}

	locks, err := st.LockSharedTasks(ctx, testSiteID, "agent-a", 10, 60)
	if err != nil || len(locks) != 1 {
		t.Fatalf("lock: %v (%d)", err, len(locks))
	}
	id, err := decodeLockName(locks[0].UniqueName)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != extract.ID {
		t.Errorf("dispatched task %d, want %d", id, extract.ID)
	}

	result := model.TaskResult{Report: model.Params{"rows": 42}}
	if err := exec.TaskSucceeded(ctx, testSiteID, id, "agent-a", result); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	extract = taskByName(t, st, attempt.ID, "+daily-load+extract")
	if extract.State != model.TaskStateSuccess {
		t.Errorf("extract = %s, want SUCCESS", extract.State)
	}
	if extract.Report.GetInt("rows", 0) != 42 {
		t.Errorf("report = %v", extract.Report)
	}

	// The queue lock is gone.
	if more, _ := st.LockSharedTasks(ctx, testSiteID, "agent-b", 10, 60); len(more) != 0 {
		t.Errorf("stale lock redispatched: %v", more)
	}
}

func TestTaskSucceeded_GeneratedSubtasksRunFirst(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	loop := NewLoop(st, DefaultConfig(), testLogger())
	ctx := context.Background()

	specs := []model.TaskSpec{
		{Name: "expand", TaskType: model.TaskTypeAction, Config: model.Params{"type": "loop"}},
	}
	attempt, err := exec.SubmitWorkflow(ctx, submitRequest(specs))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	expand := taskByName(t, st, attempt.ID, "+daily-load+expand")
	result := model.TaskResult{
		Subtasks: []model.TaskSpec{
			{Name: "part-0", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}},
			{Name: "part-1", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}, UpstreamIndexes: []int{0}},
		},
	}
	if err := exec.TaskSucceeded(ctx, testSiteID, expand.ID, "agent-a", result); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	expand = taskByName(t, st, attempt.ID, "+daily-load+expand")
	if expand.State != model.TaskStatePlanned {
		t.Fatalf("expand = %s, want PLANNED while subtasks run", expand.State)
	}

	group := taskByName(t, st, attempt.ID, "+daily-load+expand^sub")
	if !group.TaskType.IsGroupingOnly() {
		t.Errorf("^sub group type = %s", group.TaskType)
	}
	part1 := taskByName(t, st, attempt.ID, "+daily-load+expand^sub+part-1")
	if part1.Flags.IsInitialTask() {
		t.Error("generated subtask flagged as initial")
	}
	if len(part1.Upstreams) != 1 {
		t.Errorf("part-1 upstreams = %v", part1.Upstreams)
	}
}

func TestTaskFailed_RetriesThenErrors(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	loop := NewLoop(st, DefaultConfig(), testLogger())
	ctx := context.Background()

	specs := []model.TaskSpec{
		{Name: "flaky", TaskType: model.TaskTypeAction, Config: model.Params{
			"type":   "sh",
			"_retry": map[string]any{"limit": 1, "interval": 0},
		}},
	}
	attempt, err := exec.SubmitWorkflow(ctx, submitRequest(specs))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	flaky := taskByName(t, st, attempt.ID, "+daily-load+flaky")
	if err := exec.TaskFailed(ctx, testSiteID, flaky.ID, "agent-a", model.Params{"message": "boom"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	flaky = taskByName(t, st, attempt.ID, "+daily-load+flaky")
	if flaky.State != model.TaskStateRetryWaiting {
		t.Fatalf("flaky = %s, want RETRY_WAITING", flaky.State)
	}
	if flaky.StateParams.GetInt(retryCountKey, 0) != 1 {
		t.Errorf("state params = %v", flaky.StateParams)
	}

	// Zero interval: the next tick wakes and re-dispatches it.
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	flaky = taskByName(t, st, attempt.ID, "+daily-load+flaky")
	if flaky.State != model.TaskStateRunning {
		t.Fatalf("flaky = %s, want RUNNING after wake", flaky.State)
	}

	// The retry budget is spent; the second failure is terminal.
	if err := exec.TaskFailed(ctx, testSiteID, flaky.ID, "agent-a", model.Params{"message": "boom again"}); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	flaky = taskByName(t, st, attempt.ID, "+daily-load+flaky")
	if flaky.State != model.TaskStateError {
		t.Fatalf("flaky = %s, want ERROR", flaky.State)
	}
	if flaky.Error.GetString("message", "") != "boom again" {
		t.Errorf("error payload = %v", flaky.Error)
	}
}

func TestTaskFailed_ErrorHandlerDefersTerminalState(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	loop := NewLoop(st, DefaultConfig(), testLogger())
	ctx := context.Background()

	specs := []model.TaskSpec{
		{Name: "risky", TaskType: model.TaskTypeAction, Config: model.Params{
			"type":   "sh",
			"_error": map[string]any{"type": "notify", "channel": "#alerts"},
		}},
	}
	attempt, err := exec.SubmitWorkflow(ctx, submitRequest(specs))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	risky := taskByName(t, st, attempt.ID, "+daily-load+risky")
	if err := exec.TaskFailed(ctx, testSiteID, risky.ID, "agent-a", model.Params{"message": "boom"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	risky = taskByName(t, st, attempt.ID, "+daily-load+risky")
	if risky.State != model.TaskStatePlanned || !risky.Flags.IsDelayedError() {
		t.Fatalf("risky = %s flags=%b, want PLANNED with delayed error", risky.State, risky.Flags.Int())
	}

	handler := taskByName(t, st, attempt.ID, "+daily-load+risky^error")
	if handler.Config.GetString("channel", "") != "#alerts" {
		t.Errorf("handler config = %v", handler.Config)
	}

	// Run the handler to completion; the delayed error then lands.
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	handler = taskByName(t, st, attempt.ID, "+daily-load+risky^error")
	if handler.State != model.TaskStateRunning {
		t.Fatalf("handler = %s, want RUNNING", handler.State)
	}
	if err := exec.TaskSucceeded(ctx, testSiteID, handler.ID, "agent-a", model.TaskResult{}); err != nil {
		t.Fatalf("handler succeed: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	risky = taskByName(t, st, attempt.ID, "+daily-load+risky")
	if risky.State != model.TaskStateError {
		t.Fatalf("risky = %s, want ERROR after handler", risky.State)
	}
	if risky.Error.GetString("message", "") != "boom" {
		t.Errorf("original error lost: %v", risky.Error)
	}
}

func TestKillAttempt(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st, testLogger())
	ctx := context.Background()

	attempt, err := exec.SubmitWorkflow(ctx, submitRequest(linearSpecs()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok, err := exec.KillAttempt(ctx, attempt.ID)
	if err != nil || !ok {
		t.Fatalf("kill: ok=%v err=%v", ok, err)
	}

	flags, err := st.GetAttemptStateFlags(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	if !flags.IsCancelRequested() {
		t.Error("cancel flag not set")
	}
}

func TestRetryControl_ExponentialBackoff(t *testing.T) {
	config := model.Params{"_retry": map[string]any{
		"limit": 3, "interval": 2, "interval_type": "exponential", "max_interval": 6,
	}}

	state := model.Params{}
	intervals := []time.Duration{}
	for {
		rc := NewRetryControl(config, state)
		retry, interval, next := rc.Evaluate(state)
		if !retry {
			break
		}
		intervals = append(intervals, interval)
		state = next
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	if len(intervals) != len(want) {
		t.Fatalf("intervals = %v, want %v", intervals, want)
	}
	for i := range want {
		if intervals[i] != want[i] {
			t.Errorf("interval %d = %v, want %v", i, intervals[i], want[i])
		}
	}
}

func TestRetryControl_ScalarLimit(t *testing.T) {
	rc := NewRetryControl(model.Params{"_retry": 2}, model.Params{})
	retry, interval, next := rc.Evaluate(model.Params{})
	if !retry {
		t.Fatal("retry denied")
	}
	if interval != defaultRetryInterval {
		t.Errorf("interval = %v, want default", interval)
	}
	if next.GetInt(retryCountKey, 0) != 1 {
		t.Errorf("next params = %v", next)
	}

	spent := model.Params{retryCountKey: 2}
	if retry, _, _ := NewRetryControl(model.Params{"_retry": 2}, spent).Evaluate(spent); retry {
		t.Error("retry allowed past the limit")
	}
}

func TestRetryControl_NoPolicyNeverRetries(t *testing.T) {
	rc := NewRetryControl(model.Params{"type": "sh"}, model.Params{})
	if retry, _, _ := rc.Evaluate(model.Params{}); retry {
		t.Error("task without a policy retried")
	}
}
