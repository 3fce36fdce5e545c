package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. AGENTLINK_BROKER_URL
const EnvPrefix = "AGENTLINK"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, applies environment overrides and fills defaults.
// A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides apply without a file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("broker.url", cfg.Broker.URL)
	v.SetDefault("broker.username", cfg.Broker.Username)
	v.SetDefault("broker.password", cfg.Broker.Password)
	v.SetDefault("broker.keep_alive_seconds", cfg.Broker.KeepAliveSeconds)
	v.SetDefault("broker.qos", cfg.Broker.QoS)

	v.SetDefault("topics.reply_prefix", cfg.Topics.ReplyPrefix)
	v.SetDefault("topics.agent_prefix", cfg.Topics.AgentPrefix)

	v.SetDefault("session.agent_id", cfg.Session.AgentID)
	v.SetDefault("session.client_id", cfg.Session.ClientID)
	v.SetDefault("session.connect_timeout_ms", cfg.Session.ConnectTimeoutMs)
	v.SetDefault("session.subscribe_timeout_ms", cfg.Session.SubscribeTimeoutMs)
	v.SetDefault("session.publish_timeout_ms", cfg.Session.PublishTimeoutMs)
	v.SetDefault("session.stop_grace_ms", cfg.Session.StopGraceMs)
	v.SetDefault("session.disconnect_timeout_ms", cfg.Session.DisconnectTimeoutMs)

	v.SetDefault("tool_server.enabled", cfg.ToolServer.Enabled)
	v.SetDefault("tool_server.server_id", cfg.ToolServer.ServerID)
	v.SetDefault("tool_server.server_name", cfg.ToolServer.ServerName)
	v.SetDefault("tool_server.description", cfg.ToolServer.Description)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("gateway.enabled", cfg.Gateway.Enabled)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)

	v.SetDefault("data_dir", cfg.DataDir)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("broker", cfg.Broker)
	v.Set("topics", cfg.Topics)
	v.Set("session", cfg.Session)
	v.Set("tool_server", cfg.ToolServer)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentlink", "agentlink.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
