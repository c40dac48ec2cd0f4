package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/me/floe/pkg/model"
)

// Runner executes one task and produces its result. A returned error
// marks the task failed; the error payload goes to the server verbatim.
type Runner interface {
	Run(ctx context.Context, task *model.Task) (model.TaskResult, error)
}

// ShellRunner runs the task's "command" config entry through the shell.
// Tasks without a command succeed immediately, which covers grouping
// leftovers and notification-style tasks handled elsewhere.
type ShellRunner struct {
	logger *slog.Logger
}

// NewShellRunner creates a ShellRunner.
func NewShellRunner(logger *slog.Logger) *ShellRunner {
	return &ShellRunner{logger: logger.With("component", "runner")}
}

// Run implements Runner.
func (r *ShellRunner) Run(ctx context.Context, task *model.Task) (model.TaskResult, error) {
	command := task.Config.GetString("command", "")
	if command == "" {
		return model.TaskResult{}, nil
	}

	r.logger.Debug("running command", "task", task.FullName, "command", command)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return model.TaskResult{}, fmt.Errorf("command exited %d: %s", exitCode, truncate(stderr.String(), 4096))
	}

	return model.TaskResult{
		Report: model.Params{
			"stdout":    truncate(stdout.String(), 4096),
			"exit_code": 0,
		},
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
