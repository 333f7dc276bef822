// Package circuitbreaker isolates the external payment services behind
// per-service breakers so that an outage at one gateway cannot stall
// workers talking to the other.
package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Service identifies an external dependency with its own breaker.
type Service string

const (
	ServiceStripe    Service = "stripe_api"
	ServicePayPal    Service = "paypal_api"
	ServicePayPalIPN Service = "paypal_ipn"
)

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval clears the closed-state counts; 0 never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Config holds the breaker configuration for all services.
type Config struct {
	Enabled bool

	Stripe    BreakerConfig
	PayPal    BreakerConfig
	PayPalIPN BreakerConfig
}

// DefaultBreakerConfig trips after 5 consecutive failures or a 50%
// failure rate over at least 10 requests.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// Manager holds one breaker per external service.
type Manager struct {
	breakers map[Service]*gobreaker.CircuitBreaker
	enabled  bool
}

// NewManager creates the per-service breakers.  With cfg.Enabled false
// every Execute call passes through.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[Service]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}
	m.breakers[ServiceStripe] = gobreaker.NewCircuitBreaker(settings(ServiceStripe, cfg.Stripe))
	m.breakers[ServicePayPal] = gobreaker.NewCircuitBreaker(settings(ServicePayPal, cfg.PayPal))
	m.breakers[ServicePayPalIPN] = gobreaker.NewCircuitBreaker(settings(ServicePayPalIPN, cfg.PayPalIPN))
	return m
}

// Execute runs fn under the breaker for service, passing through when
// breakers are disabled.
func (m *Manager) Execute(service Service, fn func() (any, error)) (any, error) {
	if !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the breaker state for service as a string, for the
// metrics endpoint.
func (m *Manager) State(service Service) string {
	if !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func settings(name Service, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        string(name),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
	}
}
