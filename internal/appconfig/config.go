// Package appconfig is rtxshelld's top-level configuration, loaded from
// YAML via viper and validated the way the teacher's config does:
// unmarshal onto a DefaultConfig(), then reject anything the current
// config_version doesn't recognise.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/rtxshell/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Target        TargetConfig   `mapstructure:"target" yaml:"target"`
	Session       SessionConfig  `mapstructure:"session" yaml:"session"`
	Viewer        ViewerConfig   `mapstructure:"viewer" yaml:"viewer"`
	ToolAPI       ToolAPIConfig  `mapstructure:"tool_api" yaml:"tool_api"`
	Logging       LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// TargetConfig describes the one remote host the shell session connects
// to and how to authenticate to it.
type TargetConfig struct {
	HostAlias      string `mapstructure:"host_alias" yaml:"host_alias"`
	Addr           string `mapstructure:"addr" yaml:"addr"`
	User           string `mapstructure:"user" yaml:"user"`
	KnownHostsPath string `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	KeyStorePath   string `mapstructure:"key_store_path" yaml:"key_store_path"`
	KeyDir         string `mapstructure:"key_dir" yaml:"key_dir"`
	AgentDir       string `mapstructure:"agent_dir" yaml:"agent_dir"`
	UseAgentAuth   bool   `mapstructure:"use_agent_auth" yaml:"use_agent_auth"`

	// KeepaliveIntervalSeconds is how often the session sends a
	// keepalive@openssh.com global request; three consecutive misses tear
	// the session down (SPEC_FULL §4.4).
	KeepaliveIntervalSeconds int `mapstructure:"keepalive_interval_seconds" yaml:"keepalive_interval_seconds"`
}

// SessionConfig mirrors schema.Config with YAML-friendly duration
// strings; NormalizeSessionConfig converts it into the runtime type.
type SessionConfig struct {
	DefaultTimeoutSeconds int                 `mapstructure:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int                 `mapstructure:"max_timeout_seconds" yaml:"max_timeout_seconds"`
	PromptGraceMS         int                 `mapstructure:"prompt_grace_ms" yaml:"prompt_grace_ms"`
	MaxHistory            int                 `mapstructure:"max_history" yaml:"max_history"`
	BufferMaxBytes        int64               `mapstructure:"buffer_max_bytes" yaml:"buffer_max_bytes"`
	Thresholds            schema.Thresholds   `mapstructure:"thresholds" yaml:"thresholds"`
	Truncation            schema.Truncation   `mapstructure:"truncation" yaml:"truncation"`
	ViewerQueueCapacity   int                 `mapstructure:"viewer_queue_capacity" yaml:"viewer_queue_capacity"`
}

// ToSchema converts the YAML-shaped config into schema.Config.
func (s SessionConfig) ToSchema() schema.Config {
	return schema.Config{
		DefaultTimeout:      time.Duration(s.DefaultTimeoutSeconds) * time.Second,
		MaxTimeout:          time.Duration(s.MaxTimeoutSeconds) * time.Second,
		PromptGraceMS:       time.Duration(s.PromptGraceMS) * time.Millisecond,
		MaxHistory:          s.MaxHistory,
		BufferMaxBytes:      s.BufferMaxBytes,
		Thresholds:          s.Thresholds,
		Truncation:          s.Truncation,
		ViewerQueueCapacity: s.ViewerQueueCapacity,
	}
}

// ViewerConfig configures the WebSocket viewer gateway.
type ViewerConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	BasePath      string `mapstructure:"base_path" yaml:"base_path"`
	LagMax        int    `mapstructure:"lag_max" yaml:"lag_max"`
}

// ToolAPIConfig configures the agent-facing tool endpoint.
type ToolAPIConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	MinLevel string `mapstructure:"min_level" yaml:"min_level"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".rtxshell")
	defaultSchema := schema.DefaultConfig()
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Target: TargetConfig{
			HostAlias:      "default",
			Addr:           "",
			User:           "",
			KnownHostsPath: filepath.Join(base, "known_hosts"),
			KeyStorePath:   filepath.Join(base, "state", "ssh", "keys.bundle"),
			KeyDir:         filepath.Join(base, "state", "ssh", "keys"),
			AgentDir:       filepath.Join(base, "state", "ssh", "agent"),
			UseAgentAuth:   false,

			KeepaliveIntervalSeconds: 30,
		},
		Session: SessionConfig{
			DefaultTimeoutSeconds: int(defaultSchema.DefaultTimeout / time.Second),
			MaxTimeoutSeconds:     int(defaultSchema.MaxTimeout / time.Second),
			PromptGraceMS:         int(defaultSchema.PromptGraceMS / time.Millisecond),
			MaxHistory:            defaultSchema.MaxHistory,
			BufferMaxBytes:        defaultSchema.BufferMaxBytes,
			Thresholds:            defaultSchema.Thresholds,
			Truncation:            defaultSchema.Truncation,
			ViewerQueueCapacity:   defaultSchema.ViewerQueueCapacity,
		},
		Viewer: ViewerConfig{
			Addr:     ":27480",
			BasePath: "/viewer",
			LagMax:   32,
		},
		ToolAPI: ToolAPIConfig{
			Addr:     ":27481",
			BasePath: "/tool",
		},
		Logging: LoggingConfig{
			Mode:     "console",
			MinLevel: "info",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rtxshell", "config.yaml"), nil
}

// validateSchema round-trips Session through schema.NormalizeConfig so a
// bad config.yaml is rejected at load time rather than at first use.
func validateSchema(s SessionConfig) error {
	_, err := schema.NormalizeConfig(s.ToSchema())
	if err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	return nil
}
