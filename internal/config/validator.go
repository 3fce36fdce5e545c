package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// identifierPattern restricts agent and client ids to characters that are safe inside a
// topic level.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9@._-]{1,128}$`)

var brokerSchemes = []string{"tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts", "mem"}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBrokerURL checks the scheme and host of a broker URL
func (v *Validator) ValidateBrokerURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("broker url cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid broker url %q: %w", raw, err)
	}

	valid := false
	for _, scheme := range brokerSchemes {
		if u.Scheme == scheme {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid broker url scheme %q (must be one of: %s)", u.Scheme, strings.Join(brokerSchemes, ", "))
	}
	if u.Scheme != "mem" && u.Host == "" {
		return fmt.Errorf("broker url %q has no host", raw)
	}
	return nil
}

// ValidateIdentifier checks an agent or client id. Surrounding whitespace is ignored.
func (v *Validator) ValidateIdentifier(kind, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid %s %q (allowed: letters, digits, @ . _ -, at most 128 characters)", kind, id)
	}
	return nil
}

// ValidateTopicPrefix rejects prefixes that would break topic construction
func (v *Validator) ValidateTopicPrefix(name, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if strings.ContainsAny(prefix, "+#") {
		return fmt.Errorf("%s %q cannot contain wildcards", name, prefix)
	}
	if strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("%s %q cannot end with /", name, prefix)
	}
	return nil
}

// ValidateTimeout checks that a millisecond timeout is positive
func (v *Validator) ValidateTimeout(name string, ms int) error {
	if ms <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, ms)
	}
	return nil
}

// ValidateQoS checks an MQTT quality-of-service level
func (v *Validator) ValidateQoS(qos int) error {
	if qos < 0 || qos > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", qos)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation. Session identities are only checked
// when set, since they can also arrive on the command line.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateBrokerURL(cfg.Broker.URL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateQoS(cfg.Broker.QoS); err != nil {
		errors = append(errors, fmt.Errorf("broker: %w", err))
	}
	if cfg.Broker.KeepAliveSeconds <= 0 {
		errors = append(errors, fmt.Errorf("broker keep_alive_seconds must be positive"))
	}

	if err := v.ValidateTopicPrefix("topics.reply_prefix", cfg.Topics.ReplyPrefix); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTopicPrefix("topics.agent_prefix", cfg.Topics.AgentPrefix); err != nil {
		errors = append(errors, err)
	}

	if cfg.Session.AgentID != "" {
		if err := v.ValidateIdentifier("agent id", cfg.Session.AgentID); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Session.ClientID != "" {
		if err := v.ValidateIdentifier("client id", cfg.Session.ClientID); err != nil {
			errors = append(errors, err)
		}
	}

	timeouts := []struct {
		name string
		ms   int
	}{
		{"session.connect_timeout_ms", cfg.Session.ConnectTimeoutMs},
		{"session.subscribe_timeout_ms", cfg.Session.SubscribeTimeoutMs},
		{"session.publish_timeout_ms", cfg.Session.PublishTimeoutMs},
		{"session.stop_grace_ms", cfg.Session.StopGraceMs},
		{"session.disconnect_timeout_ms", cfg.Session.DisconnectTimeoutMs},
	}
	for _, tt := range timeouts {
		if err := v.ValidateTimeout(tt.name, tt.ms); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.ToolServer.Enabled {
		if strings.TrimSpace(cfg.ToolServer.ServerName) == "" {
			errors = append(errors, fmt.Errorf("tool_server.server_name is required"))
		}
		if cfg.ToolServer.ServerID != "" {
			if err := v.ValidateIdentifier("tool server id", cfg.ToolServer.ServerID); err != nil {
				errors = append(errors, err)
			}
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Gateway.Enabled && (cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535) {
		errors = append(errors, fmt.Errorf("invalid gateway port: %d", cfg.Gateway.Port))
	}

	return errors
}
