// Package config handles softwatch configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Poll interval bounds, in minutes. The vendor portal is slow and rate
// sensitive; polling faster than every 5 minutes buys nothing and
// risks the account being throttled.
const (
	MinPollIntervalMinutes     = 5
	MaxPollIntervalMinutes     = 1440
	DefaultPollIntervalMinutes = 10
)

// DefaultRequestTimeoutSeconds bounds a single portal request. A cold
// connect routinely takes 10-15 seconds; 30 leaves headroom without
// letting one hung request stall the poll loop forever.
const DefaultRequestTimeoutSeconds = 30

// DefaultPortalBaseURL is the production portal. Overridable for tests
// and for the day the vendor moves the site again.
const DefaultPortalBaseURL = "https://www.bwt-monservice.com"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./softwatch.yaml, ~/.config/softwatch/config.yaml,
// /etc/softwatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"softwatch.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "softwatch", "config.yaml"))
	}

	paths = append(paths, "/etc/softwatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all softwatch configuration.
type Config struct {
	Portal    PortalConfig `yaml:"portal"`
	Listen    ListenConfig `yaml:"listen"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"`
}

// PortalConfig defines the vendor portal account and polling cadence.
type PortalConfig struct {
	// Email and Password are the portal account credentials. The
	// session derived from them lives only in process memory.
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// BaseURL is the portal origin. Leave empty for production.
	BaseURL string `yaml:"base_url"`

	// PollIntervalMinutes is how often to refresh the device snapshot.
	// Values outside [5,1440] are clamped, not rejected.
	PollIntervalMinutes int `yaml:"poll_interval_minutes"`

	// RequestTimeoutSeconds bounds each individual portal request.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// Configured reports whether portal credentials are present.
func (p PortalConfig) Configured() bool {
	return p.Email != "" && p.Password != ""
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8580
}

// MQTTConfig defines the optional Home Assistant MQTT discovery
// publisher. When Broker is empty, MQTT publishing is disabled and
// the bridge serves its HTTP API only.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`      // Default: "softener"
	DiscoveryPrefix string `yaml:"discovery_prefix"` // Default: "homeassistant"
}

// Configured reports whether MQTT publishing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so credentials can live outside
	// the file (e.g. password: ${SOFTWATCH_PASSWORD}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values and clamps the poll interval into
// its valid range.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8580
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "softener"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.Portal.BaseURL == "" {
		c.Portal.BaseURL = DefaultPortalBaseURL
	}
	if c.Portal.RequestTimeoutSeconds <= 0 {
		c.Portal.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}

	switch {
	case c.Portal.PollIntervalMinutes == 0:
		c.Portal.PollIntervalMinutes = DefaultPollIntervalMinutes
	case c.Portal.PollIntervalMinutes < MinPollIntervalMinutes:
		c.Portal.PollIntervalMinutes = MinPollIntervalMinutes
	case c.Portal.PollIntervalMinutes > MaxPollIntervalMinutes:
		c.Portal.PollIntervalMinutes = MaxPollIntervalMinutes
	}
}

// Validate checks invariants that applyDefaults cannot repair.
func (c *Config) Validate() error {
	if !c.Portal.Configured() {
		return fmt.Errorf("portal.email and portal.password are required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Default returns a default configuration. Portal credentials are
// deliberately absent; Validate will reject the result until they are
// supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
