package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/floe/pkg/model"
)

func newSessionsCmd() *cobra.Command {
	var projectID int64

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List workflow sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(fmt.Sprintf("/api/v1/sessions?project_id=%d", projectID))
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			var sessions []model.Session
			if err := json.Unmarshal(resp.Data, &sessions); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			fmt.Printf("%-8s  %-30s  %-25s  %s\n", "ID", "WORKFLOW", "SESSION TIME", "LAST ATTEMPT")
			fmt.Printf("%-8s  %-30s  %-25s  %s\n", "--", "--------", "------------", "------------")
			for _, sess := range sessions {
				last := "-"
				if sess.LastAttemptID != nil {
					last = fmt.Sprint(*sess.LastAttemptID)
				}
				fmt.Printf("%-8d  %-30s  %-25s  %s\n",
					sess.ID, sess.WorkflowName, sess.SessionTime.Format(time.RFC3339), last)
			}

			if resp.Pagination != nil && resp.Pagination.Total > len(sessions) {
				fmt.Printf("\n(%d of %d shown)\n", len(sessions), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 1, "Project ID")
	return cmd
}
