package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the Floe server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)

	// PollInterval is the scheduler tick interval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SharedMaxConcurrency caps concurrent task locks in a site's
	// shared pool.
	SharedMaxConcurrency int `yaml:"shared_max_concurrency"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		DBPath:       "floe.db",
		PollInterval: 2 * time.Second,
	}
}

// AgentConfig holds configuration for a task agent.
type AgentConfig struct {
	ServerURL    string        `yaml:"server_url"`
	SiteID       int64         `yaml:"site_id"`
	AgentID      string        `yaml:"agent_id"` // default: hostname-pid
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LockSeconds  int           `yaml:"lock_seconds"` // lease duration per poll
	MaxTasks     int           `yaml:"max_tasks"`    // concurrent task executions
}

// DefaultAgentConfig returns sensible defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerURL:    "http://127.0.0.1:8080",
		SiteID:       1,
		LogLevel:     "info",
		LogFormat:    "text",
		PollInterval: 2 * time.Second,
		LockSeconds:  60,
		MaxTasks:     4,
	}
}

// LoadServerConfig reads a YAML config file over the defaults. An empty
// path returns the defaults unchanged.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAgentConfig reads a YAML config file over the defaults.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
