package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/floe/internal/workflow"
	"github.com/me/floe/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var (
		projectID   int64
		siteID      int64
		sessionTime string
		paramsJSON  string
		retryName   string
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow.yml>",
		Short: "Submit a workflow session for execution",
		Long:  "Load a workflow definition file and submit it to the Floe server as a new session attempt.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return err
			}

			st := time.Now().UTC().Truncate(time.Second)
			if sessionTime != "" {
				st, err = time.Parse(time.RFC3339, sessionTime)
				if err != nil {
					return fmt.Errorf("parse session time: %w", err)
				}
			}

			specs, err := def.TaskSpecs()
			if err != nil {
				return err
			}
			monitors, err := def.Monitors(st)
			if err != nil {
				return err
			}

			params := model.Params(def.Params)
			if paramsJSON != "" {
				var override model.Params
				if err := json.Unmarshal([]byte(paramsJSON), &override); err != nil {
					return fmt.Errorf("parse params: %w", err)
				}
				params = params.Merge(override)
			}

			body := map[string]any{
				"project_id":    projectID,
				"site_id":       siteID,
				"workflow_name": def.Name,
				"session_time":  st.Format(time.RFC3339),
				"timezone":      def.TimeZone,
				"params":        params,
				"tasks":         specs,
				"monitors":      monitors,
			}
			if retryName != "" {
				body["retry_attempt_name"] = retryName
			}

			resp, err := client.Post("/api/v1/attempts", body)
			if err != nil {
				return fmt.Errorf("submit attempt: %w", err)
			}

			var attempt model.SessionAttempt
			if err := json.Unmarshal(resp.Data, &attempt); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Attempt created: %d (session %d, index %d)\n",
				attempt.ID, attempt.SessionID, attempt.Index)
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 1, "Project ID")
	cmd.Flags().Int64Var(&siteID, "site", 1, "Site ID")
	cmd.Flags().StringVar(&sessionTime, "session", "", "Session time (RFC3339, default now)")
	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "Extra session params as JSON")
	cmd.Flags().StringVar(&retryName, "retry-name", "", "Submit as a retry of the session's last attempt")
	return cmd
}
