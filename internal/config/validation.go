package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/payproc/payprocd/internal/circuitbreaker"
)

// finalize applies defaults derived from other fields and validates.
func (c *Config) finalize() error {
	if c.Daemon.Socket == "" {
		if c.Daemon.Live {
			c.Daemon.Socket = LiveSocket
		} else {
			c.Daemon.Socket = TestSocket
		}
	}
	if c.Daemon.TickInterval.Duration <= 0 {
		c.Daemon.TickInterval = Duration{Duration: 30 * time.Second}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return c.validate()
}

// validate checks the fields an operator can plausibly get wrong.
func (c *Config) validate() error {
	var errs []string

	if c.Paypal.SecretKey != "" && !strings.Contains(c.Paypal.SecretKey, ":") {
		errs = append(errs, "paypal.secret_key must be the colon delimited client id and secret")
	}
	if c.Paypal.SecretKey != "" && c.Paypal.ReceiverEmail == "" {
		errs = append(errs, "paypal.receiver_email is required when paypal.secret_key is set")
	}
	if (c.Keys.DatabaseKey == "") != (c.Keys.BackofficeKey == "") {
		errs = append(errs, "keys.database_key and keys.backoffice_key must be set together")
	}
	for _, uid := range append(append([]int{}, c.Daemon.AllowedUIDs...), c.Daemon.AdminUIDs...) {
		if uid < 0 {
			errs = append(errs, fmt.Sprintf("negative uid %d in uid list", uid))
		}
	}
	if c.Daemon.Live && c.Stripe.SecretKey != "" && strings.HasPrefix(c.Stripe.SecretKey, "sk_test_") {
		errs = append(errs, "stripe.secret_key is a test key but daemon.live is set")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// BreakerConfig converts the YAML breaker settings into the runtime
// configuration.
func (c *Config) BreakerConfig() circuitbreaker.Config {
	conv := func(b BreakerServiceConfig) circuitbreaker.BreakerConfig {
		return circuitbreaker.BreakerConfig{
			MaxRequests:         b.MaxRequests,
			Interval:            b.Interval.Duration,
			Timeout:             b.Timeout.Duration,
			ConsecutiveFailures: b.ConsecutiveFailures,
			FailureRatio:        b.FailureRatio,
			MinRequests:         b.MinRequests,
		}
	}
	return circuitbreaker.Config{
		Enabled:   c.CircuitBreaker.Enabled,
		Stripe:    conv(c.CircuitBreaker.Stripe),
		PayPal:    conv(c.CircuitBreaker.Paypal),
		PayPalIPN: conv(c.CircuitBreaker.PaypalIPN),
	}
}
