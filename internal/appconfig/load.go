package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("target.host_alias", cfg.Target.HostAlias)
	v.SetDefault("target.addr", cfg.Target.Addr)
	v.SetDefault("target.user", cfg.Target.User)
	v.SetDefault("target.known_hosts_path", cfg.Target.KnownHostsPath)
	v.SetDefault("target.key_store_path", cfg.Target.KeyStorePath)
	v.SetDefault("target.key_dir", cfg.Target.KeyDir)
	v.SetDefault("target.agent_dir", cfg.Target.AgentDir)
	v.SetDefault("target.use_agent_auth", cfg.Target.UseAgentAuth)
	v.SetDefault("session.default_timeout_seconds", cfg.Session.DefaultTimeoutSeconds)
	v.SetDefault("session.max_timeout_seconds", cfg.Session.MaxTimeoutSeconds)
	v.SetDefault("session.prompt_grace_ms", cfg.Session.PromptGraceMS)
	v.SetDefault("session.max_history", cfg.Session.MaxHistory)
	v.SetDefault("session.buffer_max_bytes", cfg.Session.BufferMaxBytes)
	v.SetDefault("session.thresholds.install", cfg.Session.Thresholds.Install)
	v.SetDefault("session.thresholds.file_listing", cfg.Session.Thresholds.FileListing)
	v.SetDefault("session.thresholds.log_search", cfg.Session.Thresholds.LogSearch)
	v.SetDefault("session.thresholds.generic", cfg.Session.Thresholds.Generic)
	v.SetDefault("session.truncation.head_lines", cfg.Session.Truncation.HeadLines)
	v.SetDefault("session.truncation.tail_lines", cfg.Session.Truncation.TailLines)
	v.SetDefault("session.viewer_queue_capacity", cfg.Session.ViewerQueueCapacity)
	v.SetDefault("viewer.addr", cfg.Viewer.Addr)
	v.SetDefault("viewer.base_path", cfg.Viewer.BasePath)
	v.SetDefault("viewer.lag_max", cfg.Viewer.LagMax)
	v.SetDefault("tool_api.addr", cfg.ToolAPI.Addr)
	v.SetDefault("tool_api.base_path", cfg.ToolAPI.BasePath)
	v.SetDefault("logging.mode", cfg.Logging.Mode)
	v.SetDefault("logging.min_level", cfg.Logging.MinLevel)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("target.addr") || v.GetString("target.addr") == "" {
			return Config{}, fmt.Errorf("target.addr is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("target.key_store_path") {
			return Config{}, fmt.Errorf("target.key_store_path is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateSchema(cfg.Session); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Target.KnownHostsPath = expandEnv(cfg.Target.KnownHostsPath)
	cfg.Target.KeyStorePath = expandEnv(cfg.Target.KeyStorePath)
	cfg.Target.KeyDir = expandEnv(cfg.Target.KeyDir)
	cfg.Target.AgentDir = expandEnv(cfg.Target.AgentDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
