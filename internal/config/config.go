package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config represents the main agentlink configuration
type Config struct {
	// Broker connection
	Broker BrokerConfig `json:"broker" mapstructure:"broker"`

	// Topic prefixes for the session client
	Topics TopicsConfig `json:"topics" mapstructure:"topics"`

	// Session identities and timeouts
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Callable tool server
	ToolServer ToolServerConfig `json:"tool_server" mapstructure:"tool_server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Local gateway for out-of-process presentation layers
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BrokerConfig holds MQTT broker settings
type BrokerConfig struct {
	URL              string `json:"url" mapstructure:"url"` // tcp://, ssl://, ws://, mem://
	Username         string `json:"username" mapstructure:"username"`
	Password         string `json:"password" mapstructure:"password"`
	KeepAliveSeconds int    `json:"keep_alive_seconds" mapstructure:"keep_alive_seconds"`
	QoS              int    `json:"qos" mapstructure:"qos"`
}

// TopicsConfig holds the topic prefixes used by the session client
type TopicsConfig struct {
	ReplyPrefix string `json:"reply_prefix" mapstructure:"reply_prefix"`
	AgentPrefix string `json:"agent_prefix" mapstructure:"agent_prefix"`
}

// SessionConfig holds identities and bounded-wait timeouts
type SessionConfig struct {
	AgentID             string `json:"agent_id" mapstructure:"agent_id"`
	ClientID            string `json:"client_id" mapstructure:"client_id"`
	ConnectTimeoutMs    int    `json:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	SubscribeTimeoutMs  int    `json:"subscribe_timeout_ms" mapstructure:"subscribe_timeout_ms"`
	PublishTimeoutMs    int    `json:"publish_timeout_ms" mapstructure:"publish_timeout_ms"`
	StopGraceMs         int    `json:"stop_grace_ms" mapstructure:"stop_grace_ms"`
	DisconnectTimeoutMs int    `json:"disconnect_timeout_ms" mapstructure:"disconnect_timeout_ms"`
}

// ToolServerConfig holds the callable tool server identity
type ToolServerConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServerID    string `json:"server_id" mapstructure:"server_id"` // generated when empty
	ServerName  string `json:"server_name" mapstructure:"server_name"`
	Description string `json:"description" mapstructure:"description"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:              "tcp://localhost:1883",
			KeepAliveSeconds: 60,
			QoS:              1,
		},
		Topics: TopicsConfig{
			ReplyPrefix: "$agent-client",
			AgentPrefix: "$agent",
		},
		Session: SessionConfig{
			ConnectTimeoutMs:    10000,
			SubscribeTimeoutMs:  5000,
			PublishTimeoutMs:    5000,
			StopGraceMs:         500,
			DisconnectTimeoutMs: 2000,
		},
		ToolServer: ToolServerConfig{
			Enabled:     true,
			ServerName:  "agentlink/devices",
			Description: "Device tools exposed by the agentlink client",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    8790,
			Host:    "127.0.0.1",
		},
	}
}

// ConnectTimeout returns the connect bound
func (s SessionConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

// SubscribeTimeout returns the subscribe bound
func (s SessionConfig) SubscribeTimeout() time.Duration {
	return time.Duration(s.SubscribeTimeoutMs) * time.Millisecond
}

// PublishTimeout returns the publish acknowledgement bound
func (s SessionConfig) PublishTimeout() time.Duration {
	return time.Duration(s.PublishTimeoutMs) * time.Millisecond
}

// StopGrace returns how long Stop waits for the stopVoiceChat answer
func (s SessionConfig) StopGrace() time.Duration {
	return time.Duration(s.StopGraceMs) * time.Millisecond
}

// DisconnectTimeout returns the disconnect bound
func (s SessionConfig) DisconnectTimeout() time.Duration {
	return time.Duration(s.DisconnectTimeoutMs) * time.Millisecond
}

// KeepAlive returns the MQTT keepalive interval
func (b BrokerConfig) KeepAlive() time.Duration {
	return time.Duration(b.KeepAliveSeconds) * time.Second
}

// Address returns host:port for the gateway listener
func (g GatewayConfig) Address() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the settings required to start a session
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Broker.URL) == "" {
		return fmt.Errorf("broker url is required")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("broker qos must be 0, 1 or 2, got %d", c.Broker.QoS)
	}
	if c.Topics.ReplyPrefix == "" || c.Topics.AgentPrefix == "" {
		return fmt.Errorf("topic prefixes cannot be empty")
	}
	if c.ToolServer.Enabled && strings.TrimSpace(c.ToolServer.ServerName) == "" {
		return fmt.Errorf("tool_server.server_name is required when the tool server is enabled")
	}
	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	return nil
}
