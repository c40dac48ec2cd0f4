package cli

import (
	"log/slog"
	"os"

	"github.com/me/floe/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking FLOE_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("FLOE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the floe CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "floe",
		Short: "Floe — workflow orchestration engine",
		Long:  "Floe submits, monitors, and manages workflow sessions on a Floe server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(flagLogLevel, flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Floe server URL (or FLOE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newSessionsCmd(),
		newAttemptsCmd(),
		newStatusCmd(),
		newKillCmd(),
		newRetryCmd(),
	)

	return root
}
