package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/floe/internal/agent"
	"github.com/me/floe/internal/config"
	"github.com/me/floe/internal/logging"
)

func main() {
	configFile := flag.String("config", "", "Path to agent config file (YAML)")
	serverURL := flag.String("server", "", "Floe server URL (overrides config)")
	siteID := flag.Int64("site", 0, "Site ID (overrides config)")
	agentID := flag.String("agent-id", "", "Agent identifier (default: hostname-pid)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *siteID != 0 {
		cfg.SiteID = *siteID
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.AgentID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "agent"
		}
		cfg.AgentID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := agent.NewShellRunner(logger)
	if err := agent.New(cfg, runner, logger).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		os.Exit(1)
	}
}
