// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultPositionInterval is used when polling.position_interval is unset.
	defaultPositionInterval = 5 * time.Minute
	// defaultOrderInterval is used when polling.order_interval is unset.
	defaultOrderInterval = time.Minute
	// defaultMaxConsecutiveErrors disables a polling loop after this many
	// failed cycles in a row when polling.max_consecutive_errors is unset.
	defaultMaxConsecutiveErrors = 5
	// defaultMoveDelta is the position tolerance used when neither a record
	// nor reconcile.default_move_delta provides one.
	defaultMoveDelta = 0.05
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Accounts    []AccountConfig   `yaml:"accounts"`
	Polling     PollingConfig     `yaml:"polling"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // mock | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ExchangeConfig defines exchange API settings.
type ExchangeConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	Currencies []string `yaml:"currencies"`
}

// AccountConfig defines one trading account and its credentials. Credential
// values support ${ENV_VAR} expansion.
type AccountConfig struct {
	Name         string `yaml:"name"`
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// PollingConfig defines the reconciliation schedule.
type PollingConfig struct {
	PositionInterval     string `yaml:"position_interval"` // duration, e.g. "5m"
	OrderInterval        string `yaml:"order_interval"`    // duration, e.g. "1m"
	OrderPollingEnabled  bool   `yaml:"order_polling_enabled"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors"`
}

// ReconcileConfig defines reconciliation thresholds.
type ReconcileConfig struct {
	DefaultMoveDelta     float64 `yaml:"default_move_delta"`
	SpreadRatioThreshold float64 `yaml:"spread_ratio_threshold"`
	MinTickMultiple      float64 `yaml:"min_tick_multiple"`
}

// StorageConfig defines storage settings for delta records.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "mock" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'mock' or 'live'")
	}

	if c.Environment.Mode == "live" && c.Exchange.Endpoint == "" {
		return fmt.Errorf("exchange.endpoint is required in live mode")
	}
	if len(c.Exchange.Currencies) == 0 {
		return fmt.Errorf("exchange.currencies must name at least one currency")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[acct.Name] {
			return fmt.Errorf("duplicate account name %q", acct.Name)
		}
		seen[acct.Name] = true
		if c.Environment.Mode == "live" && acct.Enabled {
			if acct.ClientID == "" || acct.ClientSecret == "" {
				return fmt.Errorf("account %q needs client_id and client_secret in live mode", acct.Name)
			}
		}
	}

	if c.Polling.PositionInterval != "" {
		if _, err := time.ParseDuration(c.Polling.PositionInterval); err != nil {
			return fmt.Errorf("polling.position_interval invalid: %w", err)
		}
	}
	if c.Polling.OrderInterval != "" {
		if _, err := time.ParseDuration(c.Polling.OrderInterval); err != nil {
			return fmt.Errorf("polling.order_interval invalid: %w", err)
		}
	}
	if c.Polling.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("polling.max_consecutive_errors must be >= 0")
	}

	if c.Reconcile.DefaultMoveDelta < 0 {
		return fmt.Errorf("reconcile.default_move_delta must be >= 0")
	}
	if c.Reconcile.SpreadRatioThreshold < 0 {
		return fmt.Errorf("reconcile.spread_ratio_threshold must be >= 0")
	}
	if c.Reconcile.MinTickMultiple < 0 {
		return fmt.Errorf("reconcile.min_tick_multiple must be >= 0")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port number")
	}

	return nil
}

// IsLive returns true when the engine talks to a real exchange.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// IsAccountEnabled reports whether the named account exists and is enabled.
func (c *Config) IsAccountEnabled(name string) bool {
	for _, acct := range c.Accounts {
		if acct.Name == name {
			return acct.Enabled
		}
	}
	return false
}

// EnabledAccounts returns the names of all enabled accounts, in config order.
func (c *Config) EnabledAccounts() []string {
	var names []string
	for _, acct := range c.Accounts {
		if acct.Enabled {
			names = append(names, acct.Name)
		}
	}
	return names
}

// PositionInterval returns the position polling interval.
func (c *Config) PositionInterval() time.Duration {
	d, err := time.ParseDuration(c.Polling.PositionInterval)
	if err != nil || d <= 0 {
		return defaultPositionInterval
	}
	return d
}

// OrderInterval returns the order polling interval.
func (c *Config) OrderInterval() time.Duration {
	d, err := time.ParseDuration(c.Polling.OrderInterval)
	if err != nil || d <= 0 {
		return defaultOrderInterval
	}
	return d
}

// MaxConsecutiveErrors returns the per-loop error budget.
func (c *Config) MaxConsecutiveErrors() int {
	if c.Polling.MaxConsecutiveErrors == 0 {
		return defaultMaxConsecutiveErrors
	}
	return c.Polling.MaxConsecutiveErrors
}

// MoveDelta returns the fallback position tolerance.
func (c *Config) MoveDelta() float64 {
	if c.Reconcile.DefaultMoveDelta == 0 {
		return defaultMoveDelta
	}
	return c.Reconcile.DefaultMoveDelta
}
