// Package stripe implements the Stripe side of the payment flows: card
// tokens, one-shot charges and the plan/customer/subscription chain for
// recurring donations.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/circuitbreaker"
	"github.com/payproc/payprocd/internal/gateway"
	"github.com/payproc/payprocd/internal/keyvalue"
	"github.com/payproc/payprocd/internal/payerr"
)

const defaultBaseURL = "https://api.stripe.com"

// Client talks to the Stripe REST API.
type Client struct {
	gw        *gateway.Client
	baseURL   string
	secretKey string
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New returns a Stripe client using secretKey for basic auth.
func New(secretKey string, cb *circuitbreaker.Manager, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		gw:        gateway.New(cb, circuitbreaker.ServiceStripe, 30*time.Second, log),
		baseURL:   defaultBaseURL,
		secretKey: secretKey,
		log:       log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) url(path, id string) string {
	u := c.baseURL + "/v1/" + path
	if id != "" {
		u += "/" + id
	}
	return u
}

func (c *Client) auth() gateway.Auth {
	return gateway.Auth{Basic: c.secretKey}
}

// extractFailure copies a Stripe error object into the reply dictionary
// as "failure" and "failure-mesg".
func extractFailure(body any, dict *keyvalue.Dict) {
	errObj := gateway.Obj(body, "error")
	if errObj == nil {
		return
	}
	var failure string
	switch gateway.Str(errObj, "type") {
	case "card_error":
		failure = "card error"
	case "invalid_request_error":
		failure = "invalid request"
	case "api_error":
		failure = "api error"
	case "authentication_error":
		failure = "authentication failed"
	case "rate_limit_error":
		failure = "rate limit"
	default:
		failure = "unknown"
	}
	dict.Put("failure", failure)
	if mesg := gateway.Str(errObj, "message"); mesg != "" {
		dict.Put("failure-mesg", mesg)
	}
}

func liveString(live bool) string {
	if live {
		return "t"
	}
	return "f"
}

// CreateCardToken validates the raw card fields in dict and mints a
// one-time card token.  The returned dictionary carries Token, Last4
// and Live; the caller must make sure the raw card data is not echoed.
func (c *Client) CreateCardToken(ctx context.Context, dict *keyvalue.Dict) (*keyvalue.Dict, error) {
	number := dict.Get("Number")
	if number == "" {
		return nil, payerr.New(payerr.CodeMissingValue, "Number missing")
	}
	year, err := strconv.Atoi(dict.Get("Exp-Year"))
	if err != nil || year < 2014 || year > 2199 {
		return nil, payerr.New(payerr.CodeInvValue, "Exp-Year out of range")
	}
	month, err := strconv.Atoi(dict.Get("Exp-Month"))
	if err != nil || month < 1 || month > 12 {
		return nil, payerr.New(payerr.CodeInvValue, "Exp-Month out of range")
	}
	cvc, err := strconv.Atoi(dict.Get("Cvc"))
	if err != nil || cvc < 100 || cvc > 9999 {
		return nil, payerr.New(payerr.CodeInvValue, "Cvc out of range")
	}

	form := url.Values{}
	form.Set("card[number]", number)
	form.Set("card[exp_year]", strconv.Itoa(year))
	form.Set("card[exp_month]", strconv.Itoa(month))
	form.Set("card[cvc]", strconv.Itoa(cvc))
	if name := dict.Get("Name"); name != "" {
		form.Set("card[name]", name)
	}

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("tokens", ""), c.auth(), form, "")
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		result := keyvalue.New()
		extractFailure(res.Body, result)
		c.log.Error().Int("status", res.Status).Msg("create card token failed")
		return result, payerr.New(payerr.CodeGateway, "error creating card token")
	}

	id := gateway.Str(res.Body, "id")
	last4 := gateway.Str(res.Body, "card", "last4")
	var missing string
	switch {
	case id == "":
		missing = "id"
	case !gateway.Has(res.Body, "livemode"):
		missing = "livemode"
	case last4 == "":
		missing = "card.last4"
	}
	if missing != "" {
		c.log.Error().Str("field", missing).Msg("create card token: bad or missing field in result")
		return nil, payerr.New(payerr.CodeGateway, "malformed token response")
	}

	result := keyvalue.New()
	result.Put("Token", id)
	result.Put("Last4", last4)
	result.Put("Live", liveString(gateway.Bool(res.Body, "livemode")))
	return result, nil
}

// ChargeCard performs a one-shot charge.  dict must carry Currency, the
// normalized _amount and Card-Token; Desc and Stmt-Desc are optional.
func (c *Client) ChargeCard(ctx context.Context, dict *keyvalue.Dict) (*keyvalue.Dict, error) {
	currency := dict.Get("Currency")
	if currency == "" {
		return nil, payerr.New(payerr.CodeMissingValue, "Currency missing")
	}
	amount := dict.Get("_amount")
	if amount == "" {
		return nil, payerr.New(payerr.CodeMissingValue, "Amount missing")
	}
	token := dict.Get("Card-Token")
	if token == "" {
		return nil, payerr.New(payerr.CodeMissingValue, "Card-Token missing")
	}

	form := url.Values{}
	form.Set("currency", currency)
	form.Set("amount", amount)
	form.Set("card", token)
	if desc := dict.Get("Desc"); desc != "" {
		form.Set("description", desc)
	}
	if stmt := dict.Get("Stmt-Desc"); stmt != "" {
		form.Set("statement_description", stmt)
	}

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("charges", ""), c.auth(), form, "")
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		result := keyvalue.New()
		extractFailure(res.Body, result)
		c.log.Error().Int("status", res.Status).Msg("charge card failed")
		return result, payerr.New(payerr.CodeGateway, "error charging card")
	}

	id := gateway.Str(res.Body, "id")
	respCurrency := gateway.Str(res.Body, "currency")
	tx := gateway.Str(res.Body, "balance_transaction")
	last4 := gateway.Str(res.Body, "source", "last4")
	if last4 == "" {
		last4 = gateway.Str(res.Body, "card", "last4")
	}
	// A 2xx reply missing any of these fields is not trusted; booking a
	// charge with a zero amount would be worse than failing it.
	var missing string
	switch {
	case id == "":
		missing = "id"
	case !gateway.Has(res.Body, "livemode"):
		missing = "livemode"
	case respCurrency == "":
		missing = "currency"
	case !gateway.Has(res.Body, "amount"):
		missing = "amount"
	case last4 == "":
		missing = "card.last4"
	case tx == "":
		missing = "balance_transaction"
	}
	if missing != "" {
		c.log.Error().Str("field", missing).Msg("charge card: bad or missing field in result")
		return nil, payerr.New(payerr.CodeGateway, "malformed charge response")
	}

	result := keyvalue.New()
	result.Put("Charge-Id", id)
	result.Put("Live", liveString(gateway.Bool(res.Body, "livemode")))
	result.Put("Currency", respCurrency)
	result.Putf("_amount", "%d", int64(gateway.Num(res.Body, "amount")))
	result.Put("Last4", last4)
	result.Put("balance-transaction", tx)
	return result, nil
}

// PlanID returns the deterministic plan id for a recurrence and amount
// in the smallest currency unit.
func PlanID(recur int, cents uint, currency string) string {
	return fmt.Sprintf("gnupg-%d-%d-%s", recur, cents, strings.ToLower(currency))
}

// planInterval maps payments-per-year to a Stripe billing interval.
func planInterval(recur int) (interval string, count int, err error) {
	switch recur {
	case 1:
		return "year", 1, nil
	case 4:
		return "month", 3, nil
	case 12:
		return "month", 1, nil
	}
	return "", 0, payerr.New(payerr.CodeInvValue, "Recur out of range")
}

// FindOrCreatePlan looks up the plan addressed by its deterministic id
// and creates it when missing.
func (c *Client) FindOrCreatePlan(ctx context.Context, recur int, cents uint, currency string) (string, error) {
	interval, count, err := planInterval(recur)
	if err != nil {
		return "", err
	}
	planID := PlanID(recur, cents, currency)

	res, err := c.gw.Call(ctx, http.MethodGet, c.url("plans", planID), c.auth(), nil, "")
	if err != nil {
		return "", err
	}
	if res.Ok() {
		return planID, nil
	}
	if res.Status != http.StatusNotFound {
		c.log.Error().Int("status", res.Status).Str("plan", planID).Msg("plan lookup failed")
		return "", payerr.New(payerr.CodeGateway, "error looking up plan")
	}

	name := fmt.Sprintf("GnuPG %d/year %s", recur, strings.ToUpper(currency))
	stmt := name
	if len(stmt) > 22 {
		stmt = stmt[:22]
	}
	form := url.Values{}
	form.Set("id", planID)
	form.Set("amount", fmt.Sprintf("%d", cents))
	form.Set("currency", strings.ToLower(currency))
	form.Set("interval", interval)
	form.Set("interval_count", strconv.Itoa(count))
	form.Set("name", name)
	form.Set("statement_descriptor", stmt)

	res, err = c.gw.Call(ctx, http.MethodPost, c.url("plans", ""), c.auth(), form, "")
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		c.log.Error().Int("status", res.Status).Str("plan", planID).Msg("plan creation failed")
		return "", payerr.New(payerr.CodeGateway, "error creating plan")
	}
	return planID, nil
}

// CreateCustomer creates a Stripe customer holding the card token as
// source, tagged with our account id.
func (c *Client) CreateCustomer(ctx context.Context, cardToken, email, accountID string) (customerID string, live bool, err error) {
	form := url.Values{}
	form.Set("source", cardToken)
	form.Set("email", email)
	form.Set("metadata[account_id]", accountID)

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("customers", ""), c.auth(), form, "")
	if err != nil {
		return "", false, err
	}
	if !res.Ok() {
		c.log.Error().Int("status", res.Status).Msg("customer creation failed")
		return "", false, payerr.New(payerr.CodeGateway, "error creating customer")
	}
	id := gateway.Str(res.Body, "id")
	if id == "" {
		return "", false, payerr.New(payerr.CodeGateway, "malformed customer response")
	}
	return id, gateway.Bool(res.Body, "livemode"), nil
}

// CreateSubscription subscribes the customer to the plan.
func (c *Client) CreateSubscription(ctx context.Context, customerID, planID string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("plan", planID)

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("subscriptions", ""), c.auth(), form, "")
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		c.log.Error().Int("status", res.Status).Msg("subscription creation failed")
		return "", payerr.New(payerr.CodeGateway, "error creating subscription")
	}
	id := gateway.Str(res.Body, "id")
	if id == "" {
		return "", payerr.New(payerr.CodeGateway, "malformed subscription response")
	}
	return id, nil
}
