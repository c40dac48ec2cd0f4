package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <attempt_id>",
		Short: "Request cancellation of a running attempt",
		Long:  "Flag the attempt for cancellation. Running tasks finish; blocked tasks are canceled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Post("/api/v1/attempts/"+id+"/kill", nil)
			if err != nil {
				return fmt.Errorf("kill attempt: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if data["requested"] == true {
				fmt.Printf("Cancellation requested for attempt %s\n", id)
			} else {
				fmt.Printf("Attempt %s is already done\n", id)
			}
			return nil
		},
	}
}
