package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/floe/internal/workflow"
	"github.com/me/floe/pkg/model"
)

func newRetryCmd() *cobra.Command {
	var (
		name   string
		resume bool
	)

	cmd := &cobra.Command{
		Use:   "retry <attempt_id> <workflow.yml>",
		Short: "Resubmit a finished attempt's session as a fresh attempt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			def, err := workflow.Load(args[1])
			if err != nil {
				return err
			}
			specs, err := def.TaskSpecs()
			if err != nil {
				return err
			}

			resp, err := client.Post("/api/v1/attempts/"+id+"/retries", map[string]any{
				"name":   name,
				"params": def.Params,
				"tasks":  specs,
				"resume": resume,
			})
			if err != nil {
				return fmt.Errorf("retry attempt: %w", err)
			}

			var attempt model.SessionAttempt
			if err := json.Unmarshal(resp.Data, &attempt); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Retry attempt created: %d (session %d, index %d)\n",
				attempt.ID, attempt.SessionID, attempt.Index)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "retry", "Name for the retry attempt")
	cmd.Flags().BoolVar(&resume, "resume", false, "Carry succeeded tasks over and rerun only the rest")
	return cmd
}
