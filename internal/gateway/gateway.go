// Package gateway is the shared REST core for the Stripe and PayPal
// clients: URL composition, authenticated form/JSON posts, and the
// status handling both services share.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/circuitbreaker"
	"github.com/payproc/payprocd/internal/httputil"
	"github.com/payproc/payprocd/internal/metrics"
	"github.com/payproc/payprocd/internal/payerr"
)

// Auth selects the authentication scheme for one call.
type Auth struct {
	// Basic is used as the basic-auth user name.  Stripe sends its
	// secret key this way with an empty password; PayPal pairs the
	// client id with BasicPass for the OAuth token request.
	Basic     string
	BasicPass string

	// Bearer is an OAuth2 access token.
	Bearer string
}

// Result is a parsed gateway response.  Body is the decoded JSON tree
// (nil for an empty body).
type Result struct {
	Status int
	Body   any
}

// Ok reports whether the call returned a 2xx status.
func (r *Result) Ok() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Client performs REST calls against one external service.
type Client struct {
	hc      *http.Client
	cb      *circuitbreaker.Manager
	service circuitbreaker.Service
	log     zerolog.Logger

	// onUnauthorized runs on every 401 so the PayPal token cache can
	// invalidate itself.
	onUnauthorized func()
}

// New returns a client for service.  cb may be nil to disable breaker
// protection (tests).
func New(cb *circuitbreaker.Manager, service circuitbreaker.Service, timeout time.Duration, log zerolog.Logger) *Client {
	if cb == nil {
		cb = circuitbreaker.NewManager(circuitbreaker.Config{})
	}
	return &Client{
		hc:      httputil.NewClient(timeout),
		cb:      cb,
		service: service,
		log:     log,
	}
}

// OnUnauthorized registers a callback invoked whenever a call returns
// HTTP 401.
func (c *Client) OnUnauthorized(fn func()) {
	c.onUnauthorized = fn
}

// URL composes <host>/v1/<path>[/<id>].  When path already carries the
// host prefix it is returned as-is; that supports following HATEOAS
// links without double-prefixing.
func URL(host, path, id string) string {
	prefix := "https://" + host + "/v1/"
	if strings.HasPrefix(path, prefix) || strings.HasPrefix(path, "https://") {
		u := path
		if id != "" {
			u += "/" + id
		}
		return u
	}
	u := prefix + strings.TrimPrefix(path, "/")
	if id != "" {
		u += "/" + id
	}
	return u
}

// Call performs one REST call.  Exactly one of form or rawJSON should
// be set for methods with a body.  2xx and 4xx responses are decoded as
// JSON (an empty body decodes to nil); any other status is reported as
// a gateway failure.
func (c *Client) Call(ctx context.Context, method, callURL string, auth Auth, form url.Values, rawJSON string) (*Result, error) {
	res, err := c.cb.Execute(c.service, func() (any, error) {
		return c.do(ctx, method, callURL, auth, form, rawJSON)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Result), nil
}

func (c *Client) do(ctx context.Context, method, callURL string, auth Auth, form url.Values, rawJSON string) (*Result, error) {
	var body io.Reader
	contentType := ""
	switch {
	case form != nil:
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case rawJSON != "":
		body = strings.NewReader(rawJSON)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case auth.Basic != "":
		req.SetBasicAuth(auth.Basic, auth.BasicPass)
	case auth.Bearer != "":
		req.Header.Set("Authorization", "Bearer "+auth.Bearer)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(string(c.service), "error").Inc()
		c.log.Error().Err(err).Str("url", callURL).Msg("gateway call failed")
		return nil, payerr.New(payerr.CodeGateway, "error talking to payment service")
	}
	defer resp.Body.Close()

	metrics.GatewayCalls.WithLabelValues(string(c.service), fmt.Sprintf("%d", resp.StatusCode)).Inc()
	metrics.GatewayLatency.WithLabelValues(string(c.service)).Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
	}

	if !(resp.StatusCode >= 200 && resp.StatusCode <= 299) &&
		!(resp.StatusCode >= 400 && resp.StatusCode <= 499) {
		c.log.Error().Int("status", resp.StatusCode).Str("url", callURL).Msg("unexpected gateway status")
		return nil, payerr.New(payerr.CodeNotFound, "payment service not reachable")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, payerr.New(payerr.CodeGateway, "error reading payment service response")
	}

	result := &Result{Status: resp.StatusCode}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result.Body); err != nil {
			c.log.Error().Err(err).Str("url", callURL).Msg("malformed gateway JSON")
			return nil, payerr.New(payerr.CodeGateway, "malformed payment service response")
		}
	}
	return result, nil
}

// CallText performs a call whose response is plain text, used by the
// IPN verification endpoint.  The whole body is returned trimmed.
func (c *Client) CallText(ctx context.Context, method, callURL, body string) (string, error) {
	res, err := c.cb.Execute(c.service, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, callURL, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.hc.Do(req)
		if err != nil {
			metrics.GatewayCalls.WithLabelValues(string(c.service), "error").Inc()
			return nil, payerr.New(payerr.CodeGateway, "error talking to payment service")
		}
		defer resp.Body.Close()
		metrics.GatewayCalls.WithLabelValues(string(c.service), fmt.Sprintf("%d", resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusOK {
			return nil, payerr.New(payerr.CodeNotFound, "payment service not reachable")
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return nil, payerr.New(payerr.CodeGateway, "error reading payment service response")
		}
		return strings.TrimSpace(string(data)), nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
