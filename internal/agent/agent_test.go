package agent

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/floe/internal/config"
	"github.com/me/floe/internal/scheduler"
	"github.com/me/floe/internal/server"
	"github.com/me/floe/internal/store"
	"github.com/me/floe/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTaskIDFromLockName(t *testing.T) {
	id, err := taskIDFromLockName("42")
	if err != nil || id != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", id, err)
	}
	id, err = taskIDFromLockName("42.r3")
	if err != nil || id != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", id, err)
	}
	if _, err := taskIDFromLockName("bogus"); err == nil {
		t.Error("expected error for malformed lock name")
	}
}

func TestShellRunner(t *testing.T) {
	r := NewShellRunner(testLogger())
	ctx := context.Background()

	result, err := r.Run(ctx, &model.Task{
		FullName: "+wf+ok",
		Config:   model.Params{"command": "echo hello"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := result.Report.GetString("stdout", ""); !strings.Contains(got, "hello") {
		t.Errorf("stdout = %q, want hello", got)
	}

	_, err = r.Run(ctx, &model.Task{
		FullName: "+wf+bad",
		Config:   model.Params{"command": "echo oops >&2; exit 3"},
	})
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Errorf("error %q should carry stderr", err)
	}

	result, err = r.Run(ctx, &model.Task{FullName: "+wf+noop", Config: model.Params{}})
	if err != nil {
		t.Fatalf("Run without command: %v", err)
	}
	if result.Report != nil {
		t.Errorf("no-op result = %+v, want empty", result)
	}
}

func TestAgentRunsWorkflow(t *testing.T) {
	logger := testLogger()
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer st.Close()

	exec := scheduler.NewExecutor(st, logger)
	loop := scheduler.NewLoop(st, scheduler.DefaultConfig(), logger)
	srv := server.New(config.DefaultServerConfig(), st, exec, nil, logger)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	intp := func(i int) *int { return &i }
	attempt, err := exec.SubmitWorkflow(context.Background(), scheduler.SubmitRequest{
		ProjectID:    1,
		SiteID:       1,
		WorkflowName: "shell-demo",
		SessionTime:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Specs: []model.TaskSpec{
			{Name: "prepare", TaskType: model.TaskTypeAction, Config: model.Params{"command": "true"}},
			{Name: "steps", TaskType: model.TaskTypeGrouping, Config: model.Params{}, UpstreamIndexes: []int{0}},
			{Name: "one", TaskType: model.TaskTypeAction, Config: model.Params{"command": "echo one"}, ParentIndex: intp(1)},
			{Name: "two", TaskType: model.TaskTypeAction, Config: model.Params{"command": "echo two"}, ParentIndex: intp(1)},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cfg := config.DefaultAgentConfig()
	cfg.ServerURL = ts.URL
	cfg.AgentID = "agent-test"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxTasks = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		New(cfg, NewShellRunner(logger), logger).Run(ctx)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := loop.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		flags, err := st.GetAttemptStateFlags(ctx, attempt.ID)
		if err != nil {
			t.Fatalf("attempt flags: %v", err)
		}
		if flags.IsDone() {
			if !flags.IsSuccess() {
				t.Fatal("attempt done without success")
			}
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("attempt did not finish")
}
