// Package config provides configuration management for the relay server.
// It handles loading and parsing the YAML configuration file and layering
// environment-variable overrides on top for secrets, so credentials never
// have to live in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host"`

	// Port is the TCP port the relay listens on.
	Port int `yaml:"port"`

	// APIKey authenticates clients to this relay. Empty disables client
	// authentication.
	APIKey string `yaml:"api-key"`

	// LogLevel is one of debug, info, warn, error, quiet.
	LogLevel string `yaml:"log-level"`

	// LogFile, when set, duplicates logs into a rotated file at this path.
	LogFile string `yaml:"log-file"`

	// Agent configures the key-authenticated upstream platform.
	Agent AgentConfig `yaml:"agent"`

	// IBit configures the credential-authenticated upstream platform.
	IBit IBitConfig `yaml:"ibit"`

	// UsageSummaryMinutes controls how often aggregated usage statistics are
	// logged. <= 0 disables the summary loop.
	UsageSummaryMinutes int `yaml:"usage-summary-minutes"`
}

// AgentConfig holds the Agent platform settings.
type AgentConfig struct {
	// BaseURL is the platform origin.
	BaseURL string `yaml:"base-url"`

	// AppKey identifies the application. Overridden by AGENT_APP_KEY.
	AppKey string `yaml:"app-key"`

	// VisitorKey identifies the caller. Overridden by AGENT_VISITOR_KEY.
	VisitorKey string `yaml:"visitor-key"`

	// Models lists the model ids served through this platform.
	Models []string `yaml:"models"`

	// CleanupOnStart deletes conversations left behind by earlier runs.
	CleanupOnStart bool `yaml:"cleanup-on-start"`
}

// IBitConfig holds the iBit platform settings.
type IBitConfig struct {
	// BaseURL is the platform origin.
	BaseURL string `yaml:"base-url"`

	// LoginURL is the SSO endpoint that issues badge cookies.
	LoginURL string `yaml:"login-url"`

	// Username is the SSO account. Overridden by BIT_USERNAME.
	Username string `yaml:"username"`

	// Password is the SSO password. Overridden by BIT_PASSWORD.
	Password string `yaml:"password"`

	// AssistantID selects the upstream assistant. 0 means the default.
	AssistantID int `yaml:"assistant-id"`

	// Models lists the model ids served through this platform.
	Models []string `yaml:"models"`

	// KeepAliveMinutes pings the platform on this interval to keep the SSO
	// session warm. <= 0 disables the pinger.
	KeepAliveMinutes int `yaml:"keepalive-minutes"`
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnv lets environment variables override file values for secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("AGENT_APP_KEY"); v != "" {
		c.Agent.AppKey = v
	}
	if v := os.Getenv("AGENT_VISITOR_KEY"); v != "" {
		c.Agent.VisitorKey = v
	}
	if v := os.Getenv("BIT_USERNAME"); v != "" {
		c.IBit.Username = v
	}
	if v := os.Getenv("BIT_PASSWORD"); v != "" {
		c.IBit.Password = v
	}
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	agentEnabled := c.Agent.Enabled()
	ibitEnabled := c.IBit.Enabled()
	if !agentEnabled && !ibitEnabled {
		return fmt.Errorf("config: no upstream platform configured")
	}
	if agentEnabled && len(c.Agent.Models) == 0 {
		return fmt.Errorf("config: agent platform configured without models")
	}
	if ibitEnabled {
		if len(c.IBit.Models) == 0 {
			return fmt.Errorf("config: ibit platform configured without models")
		}
		if c.IBit.LoginURL == "" {
			return fmt.Errorf("config: ibit platform requires a login-url")
		}
		if c.IBit.Username == "" || c.IBit.Password == "" {
			return fmt.Errorf("config: ibit platform requires credentials (BIT_USERNAME/BIT_PASSWORD)")
		}
	}
	return nil
}

// Enabled reports whether the Agent platform is configured.
func (a AgentConfig) Enabled() bool { return a.BaseURL != "" }

// Enabled reports whether the iBit platform is configured.
func (i IBitConfig) Enabled() bool { return i.BaseURL != "" }

// UsageSummaryInterval converts the configured minutes to a duration.
func (c *Config) UsageSummaryInterval() time.Duration {
	return time.Duration(c.UsageSummaryMinutes) * time.Minute
}

// KeepAliveInterval converts the configured minutes to a duration.
func (i IBitConfig) KeepAliveInterval() time.Duration {
	return time.Duration(i.KeepAliveMinutes) * time.Minute
}
