package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or
// bare numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err == nil {
		d.Duration = parsed
		return nil
	}
	secs, convErr := time.ParseDuration(raw + "s")
	if convErr == nil {
		d.Duration = secs
		return nil
	}
	return fmt.Errorf("invalid duration value %q: %w", raw, err)
}

// MarshalYAML renders the duration as a string to keep config edits
// human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds the daemon configuration aggregated from file and
// environment variables.
type Config struct {
	Daemon         DaemonConfig         `yaml:"daemon"`
	Logging        LoggingConfig        `yaml:"logging"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Paypal         PaypalConfig         `yaml:"paypal"`
	Database       DatabaseConfig       `yaml:"database"`
	Keys           KeysConfig           `yaml:"keys"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DaemonConfig holds the listener and lifecycle configuration.
type DaemonConfig struct {
	// Live selects live mode.  Test mode is the default; it uses a
	// separate socket so a test daemon can run next to a live one.
	Live bool `yaml:"live"`

	// Socket overrides the default socket path for the mode.
	Socket string `yaml:"socket"`

	// AllowedUIDs is the peer UID allow list.  Empty allows any local
	// user.
	AllowedUIDs []int `yaml:"allowed_uids"`

	// AdminUIDs may run the admin commands.
	AdminUIDs []int `yaml:"admin_uids"`

	// Journal is the basename of the journal files; empty disables
	// journaling.
	Journal string `yaml:"journal"`

	// Euroxref is the path of the exchange rate file.
	Euroxref string `yaml:"euroxref"`

	// TickInterval drives housekeeping; the session sweep runs every
	// fourth tick.
	TickInterval Duration `yaml:"tick_interval"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// StripeConfig holds the Stripe credentials.
type StripeConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// PaypalConfig holds the PayPal credentials.  SecretKey is the colon
// delimited pair of client id and secret.
type PaypalConfig struct {
	SecretKey     string `yaml:"secret_key"`
	ReceiverEmail string `yaml:"receiver_email"`
}

// DatabaseConfig holds the SQLite file locations.
type DatabaseConfig struct {
	PreorderPath string `yaml:"preorder_path"`
	AccountPath  string `yaml:"account_path"`
}

// KeysConfig holds the armored OpenPGP key files used to encrypt
// database columns.
type KeysConfig struct {
	DatabaseKey   string `yaml:"database_key"`
	BackofficeKey string `yaml:"backoffice_key"`
}

// MetricsConfig holds the optional Prometheus listener.
type MetricsConfig struct {
	// Address enables the /metrics HTTP listener when non-empty,
	// e.g. "127.0.0.1:9187".
	Address string `yaml:"address"`
}

// CircuitBreakerConfig holds the breakers for the external services.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Stripe    BreakerServiceConfig `yaml:"stripe"`
	Paypal    BreakerServiceConfig `yaml:"paypal"`
	PaypalIPN BreakerServiceConfig `yaml:"paypal_ipn"`
}

// BreakerServiceConfig configures the breaker for one external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
