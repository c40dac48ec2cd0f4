package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/floe/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <attempt_id>",
		Short: "Check the status of a session attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/attempts/" + id)
			if err != nil {
				return fmt.Errorf("get attempt: %w", err)
			}
			var attempt model.SessionAttempt
			if err := json.Unmarshal(resp.Data, &attempt); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			state := "running"
			switch {
			case attempt.Flags.IsSuccess():
				state = "success"
			case attempt.Flags.IsDone():
				state = "failed"
			case attempt.Flags.IsCancelRequested():
				state = "canceling"
			}

			fmt.Printf("Attempt: %d\n", attempt.ID)
			fmt.Printf("  Session:  %d (index %d)\n", attempt.SessionID, attempt.Index)
			fmt.Printf("  State:    %s\n", state)
			fmt.Printf("  Created:  %s\n", attempt.CreatedAt.Format(time.RFC3339))
			if attempt.FinishedAt != nil {
				fmt.Printf("  Finished: %s\n", attempt.FinishedAt.Format(time.RFC3339))
			}

			resp, err = client.Get("/api/v1/attempts/" + id + "/tasks")
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			var tasks []model.Task
			if err := json.Unmarshal(resp.Data, &tasks); err != nil {
				return fmt.Errorf("parse tasks: %w", err)
			}

			if len(tasks) > 0 {
				fmt.Println("  Tasks:")
				for _, task := range tasks {
					fmt.Printf("    - %s: %s", task.FullName, task.State)
					if task.RetryCount > 0 {
						fmt.Printf(" (retries: %d)", task.RetryCount)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
}
