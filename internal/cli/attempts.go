package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/floe/pkg/model"
)

func newAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <session_id>",
		Short: "List attempts of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/sessions/" + id + "/attempts")
			if err != nil {
				return fmt.Errorf("list attempts: %w", err)
			}

			var attempts []model.SessionAttempt
			if err := json.Unmarshal(resp.Data, &attempts); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(attempts) == 0 {
				fmt.Println("No attempts found.")
				return nil
			}

			fmt.Printf("%-8s  %-6s  %-10s  %-25s  %s\n", "ID", "INDEX", "STATE", "CREATED", "RETRY NAME")
			fmt.Printf("%-8s  %-6s  %-10s  %-25s  %s\n", "--", "-----", "-----", "-------", "----------")
			for _, a := range attempts {
				state := "running"
				switch {
				case a.Flags.IsSuccess():
					state = "success"
				case a.Flags.IsDone():
					state = "failed"
				}
				retryName := "-"
				if a.RetryAttemptName != nil {
					retryName = *a.RetryAttemptName
				}
				fmt.Printf("%-8d  %-6d  %-10s  %-25s  %s\n",
					a.ID, a.Index, state, a.CreatedAt.Format(time.RFC3339), retryName)
			}
			return nil
		},
	}
}
