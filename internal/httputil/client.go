// Package httputil builds the pooled HTTP client used for all gateway
// traffic.
package httputil

import (
	"net/http"
	"time"
)

// NewClient returns an HTTP client with the given total timeout and a
// transport tuned for a small set of long-lived API hosts.  Both
// payment gateways sit behind the same two or three hostnames, so a
// modest per-host idle pool keeps the TLS handshakes out of the
// request path.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
