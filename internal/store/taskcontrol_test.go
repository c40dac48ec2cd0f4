package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/me/floe/pkg/model"
)

func intp(i int) *int { return &i }

// pipelineSpecs builds extract -> transform -> load under the root, plus a
// grouping task "report" with one child.
func pipelineSpecs() []model.TaskSpec {
	return []model.TaskSpec{
		{Name: "extract", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}},
		{Name: "transform", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}, UpstreamIndexes: []int{0}},
		{Name: "load", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}, UpstreamIndexes: []int{1}},
		{Name: "report", TaskType: model.TaskTypeGrouping, Config: model.Params{}, UpstreamIndexes: []int{2}},
		{Name: "render", TaskType: model.TaskTypeAction, Config: model.Params{"type": "sh"}, ParentIndex: intp(3)},
	}
}

func addPipeline(t *testing.T, st *SQLiteStore, attemptID, rootID int64) []int64 {
	t.Helper()
	if _, err := st.AddTaskTree(context.Background(), attemptID, rootID, pipelineSpecs(), nil, true); err != nil {
		t.Fatalf("add tree: %v", err)
	}
	tasks, err := st.ListTasksOfAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		if task.ID != rootID {
			ids = append(ids, task.ID)
		}
	}
	return ids
}

func taskState(t *testing.T, st *SQLiteStore, id int64) model.TaskState {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %d: %v", id, err)
	}
	return task.State
}

func TestAddTaskTree_NamesAndDependencies(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	transform, err := st.GetTask(ctx, ids[1])
	if err != nil {
		t.Fatalf("get transform: %v", err)
	}
	if transform.FullName != "+daily-load+transform" {
		t.Errorf("full name = %s", transform.FullName)
	}
	if len(transform.Upstreams) != 1 || transform.Upstreams[0] != ids[0] {
		t.Errorf("upstreams = %v, want [%d]", transform.Upstreams, ids[0])
	}

	render, err := st.GetTask(ctx, ids[4])
	if err != nil {
		t.Fatalf("get render: %v", err)
	}
	if render.ParentID == nil || *render.ParentID != ids[3] {
		t.Errorf("render parent = %v, want %d", render.ParentID, ids[3])
	}
	if render.FullName != "+daily-load+report+render" {
		t.Errorf("render full name = %s", render.FullName)
	}
}

func TestAddTaskTree_TaskLimit(t *testing.T) {
	st := testStore(t)
	attemptID, rootID := submitAttempt(t, st)

	specs := make([]model.TaskSpec, maxTasksPerAttempt)
	for i := range specs {
		specs[i] = model.TaskSpec{
			Name:     fmt.Sprintf("t%d", i),
			TaskType: model.TaskTypeAction,
			Config:   model.Params{},
		}
	}
	_, err := st.AddTaskTree(context.Background(), attemptID, rootID, specs, nil, true)
	if _, ok := err.(*model.TaskLimitError); !ok {
		t.Fatalf("expected task limit error, got %v", err)
	}
}

func TestSetState_CASMissIsNotError(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	ok, err := st.SetState(ctx, ids[0], model.TaskStateBlocked, model.TaskStateReady)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}

	// Same expected-before state again: the row moved on, so this misses.
	ok, err = st.SetState(ctx, ids[0], model.TaskStateBlocked, model.TaskStateReady)
	if err != nil {
		t.Fatalf("miss returned error: %v", err)
	}
	if ok {
		t.Error("miss reported success")
	}
}

func TestPropagation_WakesReadyChildrenInDependencyOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	n, err := st.TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx, rootID)
	if err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if n != 1 {
		t.Fatalf("woke %d children, want 1", n)
	}
	if got := taskState(t, st, ids[0]); got != model.TaskStateReady {
		t.Errorf("extract = %s, want READY", got)
	}
	if got := taskState(t, st, ids[1]); got != model.TaskStateBlocked {
		t.Errorf("transform = %s, want BLOCKED", got)
	}

	// Finish extract; transform becomes eligible.
	if ok, err := st.SetDoneState(ctx, ids[0], model.TaskStateBlocked, model.TaskStateSuccess); err != nil || ok {
		t.Fatalf("wrong-before transition: ok=%v err=%v", ok, err)
	}
	if ok, err := st.SetDoneState(ctx, ids[0], model.TaskStateReady, model.TaskStateSuccess); err != nil || !ok {
		t.Fatalf("finish extract: ok=%v err=%v", ok, err)
	}

	if _, err := st.TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx, rootID); err != nil {
		t.Fatalf("second propagate: %v", err)
	}
	if got := taskState(t, st, ids[1]); got != model.TaskStateReady {
		t.Errorf("transform = %s, want READY", got)
	}
	if got := taskState(t, st, ids[2]); got != model.TaskStateBlocked {
		t.Errorf("load = %s, want BLOCKED", got)
	}
}

func TestPropagation_GroupingChildGoesPlanned(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	// Finish the linear part so report's upstream is satisfied.
	for _, id := range ids[:3] {
		if _, err := st.db.ExecContext(ctx,
			`UPDATE tasks SET state = ? WHERE id = ?`, string(model.TaskStateSuccess), id); err != nil {
			t.Fatalf("force success: %v", err)
		}
	}

	if _, err := st.TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx, rootID); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if got := taskState(t, st, ids[3]); got != model.TaskStatePlanned {
		t.Errorf("report = %s, want PLANNED", got)
	}

	// The grouping task's own child wakes on the next propagation step.
	if _, err := st.TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx, ids[3]); err != nil {
		t.Fatalf("propagate into group: %v", err)
	}
	if got := taskState(t, st, ids[4]); got != model.TaskStateReady {
		t.Errorf("render = %s, want READY", got)
	}
}

func TestPropagation_ParentMustAllowChildren(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	// Park the root in RUNNING: children must stay BLOCKED.
	if _, err := st.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ?`, string(model.TaskStateRunning), rootID); err != nil {
		t.Fatalf("force running: %v", err)
	}

	n, err := st.TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx, rootID)
	if err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if n != 0 {
		t.Errorf("woke %d children under a RUNNING parent", n)
	}
	if got := taskState(t, st, ids[0]); got != model.TaskStateBlocked {
		t.Errorf("extract = %s, want BLOCKED", got)
	}
}

func TestPropagation_CancelFlagShortCircuitsToCanceled(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	if ok, err := st.RequestCancelAttempt(ctx, attemptID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}

	if _, err := st.TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx, rootID); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if got := taskState(t, st, ids[0]); got != model.TaskStateCanceled {
		t.Errorf("extract = %s, want CANCELED", got)
	}
}

func TestRequestCancelAttempt_SkipsDoneTasksAndDoneAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	// A task already in SUCCESS keeps a clean flag set.
	if _, err := st.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ?`, string(model.TaskStateSuccess), ids[0]); err != nil {
		t.Fatalf("force success: %v", err)
	}

	if ok, err := st.RequestCancelAttempt(ctx, attemptID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}

	done, err := st.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if done.Flags.IsCancelRequested() {
		t.Error("done task was flagged")
	}
	blocked, err := st.GetTask(ctx, ids[1])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !blocked.Flags.IsCancelRequested() {
		t.Error("blocked task was not flagged")
	}

	if _, err := st.SetDoneToAttemptState(ctx, attemptID, false); err != nil {
		t.Fatalf("set done: %v", err)
	}
	ok, err := st.RequestCancelAttempt(ctx, attemptID)
	if err != nil {
		t.Fatalf("cancel done attempt: %v", err)
	}
	if ok {
		t.Error("cancel of a done attempt should return false")
	}
}

func TestTrySetRetryWaitingToReady(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	// Move extract to RUNNING then fail it into RETRY_WAITING with a
	// zero interval so it is immediately due.
	if _, err := st.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ?`, string(model.TaskStateRunning), ids[0]); err != nil {
		t.Fatalf("force running: %v", err)
	}
	ok, err := st.SetRetryWaitingState(ctx, ids[0], model.TaskStateRunning, model.TaskStateRetryWaiting,
		-time.Second, model.Params{"retry_count": 1}, model.Params{"message": "boom"})
	if err != nil || !ok {
		t.Fatalf("set retry waiting: ok=%v err=%v", ok, err)
	}

	task, err := st.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", task.RetryCount)
	}
	if task.Error.GetString("message", "") != "boom" {
		t.Errorf("error payload = %v", task.Error)
	}

	n, err := st.TrySetRetryWaitingToReady(ctx)
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if n != 1 {
		t.Errorf("woke %d tasks, want 1", n)
	}
	if got := taskState(t, st, ids[0]); got != model.TaskStateReady {
		t.Errorf("state = %s, want READY", got)
	}
}

func TestSetSuccessState_PersistsResultParams(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	if _, err := st.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ?`, string(model.TaskStateRunning), ids[0]); err != nil {
		t.Fatalf("force running: %v", err)
	}
	result := model.TaskResult{
		Report:       model.Params{"rows": 7},
		ExportParams: model.Params{"watermark": "2026-03-01"},
		StoreParams:  model.Params{"cursor": 42},
	}
	ok, err := st.SetSuccessStateShortCircuit(ctx, ids[0], model.TaskStateRunning, model.TaskStateSuccess, result)
	if err != nil || !ok {
		t.Fatalf("set success: ok=%v err=%v", ok, err)
	}

	task, err := st.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ExportParams.GetString("watermark", "") != "2026-03-01" {
		t.Errorf("export params = %v", task.ExportParams)
	}
	if task.StoreParams.GetInt("cursor", 0) != 42 {
		t.Errorf("store params = %v", task.StoreParams)
	}
	if task.Report.GetInt("rows", 0) != 7 {
		t.Errorf("report = %v", task.Report)
	}
}

func TestIsAnyErrorChild_UsesLatestPerFullName(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	if _, err := st.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ?`, string(model.TaskStateError), ids[0]); err != nil {
		t.Fatalf("force error: %v", err)
	}

	any, err := st.IsAnyErrorChild(ctx, rootID)
	if err != nil {
		t.Fatalf("is any error child: %v", err)
	}
	if !any {
		t.Fatal("error child not detected")
	}

	// A fresh copy of the same task supersedes the failed row.
	if ok, err := st.CopyInitialTasksForRetry(ctx, ids[:3], "+daily-load"); err != nil || !ok {
		t.Fatalf("copy for retry: ok=%v err=%v", ok, err)
	}
	any, err = st.IsAnyErrorChild(ctx, rootID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if any {
		t.Error("stale error still counted after retry copy")
	}
}

func TestCopyInitialTasksForRetry_RemapsDependencies(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	// A runtime-generated subtask must not be copied.
	genParent := rootID
	gen := &model.Task{
		ParentID: &genParent,
		FullName: "+daily-load^sub+cleanup",
		TaskType: model.TaskTypeAction,
		Config:   model.Params{"type": "sh"},
		State:    model.TaskStateSuccess,
		Flags:    model.TaskFlagInitialTask,
	}
	genID, err := st.AddSubtask(ctx, attemptID, gen)
	if err != nil {
		t.Fatalf("add generated subtask: %v", err)
	}

	before, err := st.GetTaskCount(ctx, attemptID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	copyIDs := append(append([]int64{}, ids[:3]...), genID)
	ok, err := st.CopyInitialTasksForRetry(ctx, copyIDs, "+daily-load")
	if err != nil || !ok {
		t.Fatalf("copy: ok=%v err=%v", ok, err)
	}

	after, err := st.GetTaskCount(ctx, attemptID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if after-before != 3 {
		t.Fatalf("copied %d tasks, want 3", after-before)
	}

	tasks, err := st.ListTasksOfAttempt(ctx, attemptID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byName := make(map[string]*model.Task)
	for _, task := range tasks {
		byName[task.FullName] = task // later rows win
	}
	fresh := byName["+daily-load+transform"]
	if fresh.State != model.TaskStateBlocked {
		t.Errorf("fresh copy state = %s, want BLOCKED", fresh.State)
	}
	if len(fresh.Upstreams) != 1 {
		t.Fatalf("fresh copy upstreams = %v, want one remapped id", fresh.Upstreams)
	}
	if fresh.Upstreams[0] != byName["+daily-load+extract"].ID {
		t.Errorf("upstream %d not remapped to new extract %d", fresh.Upstreams[0], byName["+daily-load+extract"].ID)
	}
}

func TestCopyInitialTasksForRetry_SecondRoundCopiesOnlyOriginals(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	addPipeline(t, st, attemptID, rootID)

	copyRound := func() {
		t.Helper()
		relations, err := st.TaskRelations(ctx, attemptID)
		if err != nil {
			t.Fatalf("relations: %v", err)
		}
		var childIDs []int64
		for _, rel := range relations {
			if rel.ParentID != nil && *rel.ParentID == rootID {
				childIDs = append(childIDs, rel.ID)
			}
		}
		if ok, err := st.CopyInitialTasksForRetry(ctx, childIDs, "+daily-load"); err != nil || !ok {
			t.Fatalf("copy round: ok=%v err=%v", ok, err)
		}
	}
	failAll := func() {
		t.Helper()
		if _, err := st.db.ExecContext(ctx,
			`UPDATE tasks SET state = ? WHERE attempt_id = ? AND parent_id IS NOT NULL AND state = ?`,
			string(model.TaskStateError), attemptID, string(model.TaskStateBlocked)); err != nil {
			t.Fatalf("force error: %v", err)
		}
	}

	// Two failed rounds. Each group retry must re-create exactly one live
	// copy per original task, not one per accumulated prior copy.
	failAll()
	copyRound()
	failAll()
	copyRound()

	tasks, err := st.ListTasksOfAttempt(ctx, attemptID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	live := 0
	for _, task := range tasks {
		if task.FullName == "+daily-load+extract" && task.State == model.TaskStateBlocked {
			live++
			if task.Flags.IsInitialTask() {
				t.Error("retry copy carries the initial flag")
			}
		}
	}
	if live != 1 {
		t.Errorf("live BLOCKED copies of extract = %d, want 1", live)
	}
}

func TestFindSweepQueries(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	attemptID, rootID := submitAttempt(t, st)
	ids := addPipeline(t, st, attemptID, rootID)

	// Both the root and the "report" grouping task have BLOCKED children.
	parents, err := st.FindDirectParentsOfBlockedTasks(ctx, 0)
	if err != nil {
		t.Fatalf("find parents: %v", err)
	}
	if len(parents) != 2 || parents[0] != rootID || parents[1] != ids[3] {
		t.Errorf("parents = %v, want [%d %d]", parents, rootID, ids[3])
	}

	if _, err := st.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ?`, string(model.TaskStateReady), ids[0]); err != nil {
		t.Fatalf("force ready: %v", err)
	}
	ready, err := st.FindAllReadyTaskIDs(ctx, 10)
	if err != nil {
		t.Fatalf("find ready: %v", err)
	}
	if len(ready) != 1 || ready[0] != ids[0] {
		t.Errorf("ready = %v, want [%d]", ready, ids[0])
	}

	roots, err := st.FindRootTasksByStates(ctx, []model.TaskState{model.TaskStatePlanned}, 0)
	if err != nil {
		t.Fatalf("find roots: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != rootID {
		t.Errorf("roots = %v", roots)
	}
}
