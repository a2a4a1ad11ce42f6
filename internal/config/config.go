package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Host    HostConfig
	Client  ClientConfig
	Logging LogConfig
}

// HostConfig holds reference host configuration.
type HostConfig struct {
	Port          string        `envconfig:"PORT" default:"8080"`
	WorkspaceBase string        `envconfig:"WORKSPACE_BASE" default:"/workspace"`
	Shell         string        `envconfig:"SHELL_CMD" default:"/bin/bash"`
	GracePeriod   time.Duration `envconfig:"CONTROL_GRACE_PERIOD" default:"10s"`
	APIToken      string        `envconfig:"API_TOKEN" default:""`
	AgentCommand  string        `envconfig:"AGENT_COMMAND" default:"claude"`
}

// ClientConfig holds connection-layer configuration.
type ClientConfig struct {
	ReconnectBaseDelay time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay  time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectFactor    float64       `envconfig:"RECONNECT_FACTOR" default:"1.5"`
	MaxReconnects      int           `envconfig:"MAX_RECONNECTS" default:"10"`
	HeartbeatInterval  time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			Port:          "8080",
			WorkspaceBase: "/workspace",
			Shell:         "/bin/bash",
			GracePeriod:   10 * time.Second,
			AgentCommand:  "claude",
		},
		Client: ClientConfig{
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  30 * time.Second,
			ReconnectFactor:    1.5,
			MaxReconnects:      10,
			HeartbeatInterval:  30 * time.Second,
		},
		Logging: LogConfig{Level: "info"},
	}
}
