// Package config loads the daemon configuration from a YAML file with
// environment variable overrides.  Loading runs in phases: defaults,
// file, environment, finalize.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default socket paths.  Test mode uses its own socket so a test daemon
// can run next to the live one.
const (
	LiveSocket = "/var/run/payproc/daemon"
	TestSocket = "/var/run/payproc/daemon-test"
)

// Load reads configuration from a YAML file and applies environment
// overrides.  An empty path skips the file phase.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	breaker := BreakerServiceConfig{
		MaxRequests:         1,
		Interval:            Duration{Duration: 60 * time.Second},
		Timeout:             Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return &Config{
		Daemon: DaemonConfig{
			Journal:      "/var/log/payproc/journal",
			Euroxref:     "/var/lib/payproc/euroxref.dat",
			TickInterval: Duration{Duration: 30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			PreorderPath: "/var/lib/payproc/preorder.db",
			AccountPath:  "/var/lib/payproc/account.db",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:   true,
			Stripe:    breaker,
			Paypal:    breaker,
			PaypalIPN: breaker,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
