package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/floe/internal/config"
	"github.com/me/floe/internal/scheduler"
	"github.com/me/floe/internal/server"
	"github.com/me/floe/internal/store"
)

// startTestServer starts a server with an in-memory SQLite store and returns the URL.
func startTestServer(t *testing.T) string {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exec := scheduler.NewExecutor(st, srvLogger)
	srv := server.New(config.DefaultServerConfig(), st, exec, nil, srvLogger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// writeTestWorkflow writes a small workflow file and returns its path.
func writeTestWorkflow(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yml")
	content := `
name: daily-load
timezone: UTC
tasks:
  - name: extract
    type: sh
    command: ./extract.sh
  - name: load
    type: sh
    command: ./load.sh
    after: [extract]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return path
}

// runCLI executes the root command with args, capturing stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	var errBuf bytes.Buffer
	root.SetOut(&errBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err := root.Execute()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String() + errBuf.String(), err
}

func TestSubmitCommand(t *testing.T) {
	url := startTestServer(t)
	wf := writeTestWorkflow(t)

	output, err := runCLI(t, "--server", url, "submit", wf, "--session", "2024-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Attempt created: 1") {
		t.Errorf("expected 'Attempt created: 1' in output, got: %s", output)
	}
}

func TestSubmitCommand_Duplicate(t *testing.T) {
	url := startTestServer(t)
	wf := writeTestWorkflow(t)

	if _, err := runCLI(t, "--server", url, "submit", wf, "--session", "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := runCLI(t, "--server", url, "submit", wf, "--session", "2024-03-01T00:00:00Z"); err == nil {
		t.Fatal("expected conflict on duplicate submission")
	}
}

func TestStatusCommand(t *testing.T) {
	url := startTestServer(t)
	wf := writeTestWorkflow(t)

	output, err := runCLI(t, "--server", url, "submit", wf, "--session", "2024-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("submit: %v\noutput: %s", err, output)
	}

	output, err = runCLI(t, "--server", url, "status", "1")
	if err != nil {
		t.Fatalf("status error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Attempt: 1") {
		t.Errorf("expected attempt header in output, got: %s", output)
	}
	if !strings.Contains(output, "+daily-load+extract") {
		t.Errorf("expected task listing in output, got: %s", output)
	}
	if !strings.Contains(output, "BLOCKED") {
		t.Errorf("expected BLOCKED task state in output, got: %s", output)
	}
}

func TestSessionsCommand(t *testing.T) {
	url := startTestServer(t)
	wf := writeTestWorkflow(t)

	if _, err := runCLI(t, "--server", url, "submit", wf, "--session", "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	output, err := runCLI(t, "--server", url, "sessions")
	if err != nil {
		t.Fatalf("sessions error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "daily-load") {
		t.Errorf("expected workflow name in output, got: %s", output)
	}
}

func TestKillCommand(t *testing.T) {
	url := startTestServer(t)
	wf := writeTestWorkflow(t)

	if _, err := runCLI(t, "--server", url, "submit", wf, "--session", "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	output, err := runCLI(t, "--server", url, "kill", "1")
	if err != nil {
		t.Fatalf("kill error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Cancellation requested") {
		t.Errorf("expected cancellation message, got: %s", output)
	}
}

func TestRetryCommand_StillRunning(t *testing.T) {
	url := startTestServer(t)
	wf := writeTestWorkflow(t)

	if _, err := runCLI(t, "--server", url, "submit", wf, "--session", "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := runCLI(t, "--server", url, "retry", "1", wf, "--name", "fix-1")
	if err == nil {
		t.Fatal("expected conflict retrying a running attempt")
	}
	if !strings.Contains(err.Error(), "CONFLICT") && !strings.Contains(fmt.Sprint(err), "running") {
		t.Errorf("unexpected error: %v", err)
	}
}
