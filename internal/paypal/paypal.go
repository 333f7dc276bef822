// Package paypal implements the PayPal side of the payment flows.  A
// checkout is a two-step redirect dance: prepare stores the pending
// state in an aliased session and hands the client an approval URL,
// execute resolves the alias and captures the payment.  Subscriptions
// go through billing plans and agreements; IPN messages are verified
// by echoing them back to PayPal.
package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/account"
	"github.com/payproc/payprocd/internal/circuitbreaker"
	"github.com/payproc/payprocd/internal/gateway"
	"github.com/payproc/payprocd/internal/keyvalue"
	"github.com/payproc/payprocd/internal/payerr"
	"github.com/payproc/payprocd/internal/session"
)

const (
	liveHost    = "https://api.paypal.com"
	sandboxHost = "https://api.sandbox.paypal.com"

	liveWebscr    = "https://www.paypal.com/cgi-bin/webscr"
	sandboxWebscr = "https://www.sandbox.paypal.com/cgi-bin/webscr"

	// maxTokenAttempts bounds the refresh loop of the access token
	// cache.
	maxTokenAttempts = 10

	// maxDesc is PayPal's limit on the payment description.
	maxDesc = 126

	// maxPlanPages bounds the billing plan discovery walk.
	maxPlanPages = 50
)

// Client talks to the PayPal REST API and the classic webscr endpoint.
type Client struct {
	gw            *gateway.Client
	ipn           *gateway.Client
	baseURL       string
	webscrURL     string
	clientID      string
	secret        string
	live          bool
	receiverEmail string
	log           zerolog.Logger

	// The token cache has its own mutex which also serializes
	// refreshes so that concurrent commands share one fetch.
	mu          sync.Mutex
	accessToken string
	expiresOn   time.Time
	invalidated bool
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the REST endpoint, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithWebscrURL overrides the IPN verification endpoint, for tests.
func WithWebscrURL(u string) Option {
	return func(c *Client) { c.webscrURL = u }
}

// New returns a PayPal client.  keystring is the colon delimited pair
// of client id and secret; receiverEmail is the mailbox IPN messages
// must be addressed to.
func New(keystring string, live bool, receiverEmail string, cb *circuitbreaker.Manager, log zerolog.Logger, opts ...Option) *Client {
	id, secret, _ := strings.Cut(keystring, ":")
	host := sandboxHost
	if live {
		host = liveHost
	}
	c := &Client{
		gw: gateway.New(cb, circuitbreaker.ServicePayPal, 30*time.Second, log),
		// The webscr endpoint gets its own breaker; a stuck IPN
		// verifier must not trip the checkout API.
		ipn:           gateway.New(cb, circuitbreaker.ServicePayPalIPN, 30*time.Second, log),
		baseURL:       host,
		clientID:      id,
		secret:        secret,
		live:          live,
		receiverEmail: receiverEmail,
		log:           log,
		now:           time.Now,
	}
	c.gw.OnUnauthorized(c.invalidateToken)
	for _, o := range opts {
		o(c)
	}
	return c
}

// url composes the REST URL.  A path which is already absolute is kept
// as-is so that HATEOAS links can be followed directly.
func (c *Client) url(path, id string) string {
	u := path
	if !strings.Contains(path, "://") {
		u = c.baseURL + "/v1/" + strings.TrimPrefix(path, "/")
	}
	if id != "" {
		u += "/" + id
	}
	return u
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.invalidated = true
	c.mu.Unlock()
}

func (c *Client) tokenValidLocked() bool {
	return c.accessToken != "" && !c.invalidated &&
		c.now().Add(30*time.Second).Before(c.expiresOn)
}

// AccessToken returns a cached OAuth bearer token, fetching a fresh one
// when the cache is stale or a 401 has been seen since it was filled.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		if c.tokenValidLocked() {
			return c.accessToken, nil
		}
		if err := c.fetchTokenLocked(ctx); err != nil {
			return "", err
		}
	}
	return "", payerr.New(payerr.CodeGateway, "cannot obtain access token")
}

func (c *Client) fetchTokenLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	requestTime := c.now()

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("oauth2/token", ""),
		gateway.Auth{Basic: c.clientID, BasicPass: c.secret}, form, "")
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK {
		c.log.Error().Int("status", res.Status).Msg("error getting access token")
		return payerr.New(payerr.CodeGateway, "error getting access token")
	}
	if !strings.EqualFold(gateway.Str(res.Body, "token_type"), "Bearer") {
		c.log.Error().Msg("access token reply: bad token_type")
		return payerr.New(payerr.CodeGateway, "malformed access token reply")
	}
	token := gateway.Str(res.Body, "access_token")
	if token == "" {
		c.log.Error().Msg("access token reply: bad access_token")
		return payerr.New(payerr.CodeGateway, "malformed access token reply")
	}

	// Expire early so a token is never presented right before PayPal
	// drops it.
	lifetime := time.Duration(gateway.Num(res.Body, "expires_in")) * time.Second
	switch {
	case lifetime > 1800*time.Second:
		lifetime -= 900 * time.Second
	case lifetime > 600*time.Second:
		lifetime -= 300 * time.Second
	}

	c.accessToken = token
	c.expiresOn = requestTime.Add(lifetime)
	c.invalidated = false
	return nil
}

// extractFailure copies PayPal's error and error_description fields
// into the reply dictionary.
func extractFailure(body any, dict *keyvalue.Dict) {
	typ := gateway.Str(body, "error")
	if typ == "" {
		return
	}
	dict.Put("failure", typ)
	if mesg := gateway.Str(body, "error_description"); mesg != "" {
		dict.Put("failure-mesg", mesg)
	}
}

// urlField returns the URL stored under name.  Quotes are rejected;
// the value ends up inside a JSON document.
func urlField(dict *keyvalue.Dict, name string) (string, error) {
	s := dict.Get(name)
	if s == "" || strings.ContainsRune(s, '"') {
		return "", payerr.Newf(payerr.CodeInvValue, "%s missing or malformed", name)
	}
	return s, nil
}

// description returns the sanitized payment description: quotes become
// apostrophes and overlong text is truncated with an ellipsis marker.
func description(dict *keyvalue.Dict) string {
	desc := dict.Get("Desc")
	if desc == "" {
		desc = fmt.Sprintf("Payment of %s %s", dict.Get("Amount"), dict.Get("Currency"))
	}
	desc = strings.ReplaceAll(desc, `"`, "'")
	if len(desc) > maxDesc {
		desc = desc[:maxDesc-4] + " ..."
	}
	return desc
}

// appendAlias attaches the alias id as a query parameter to the return
// URL.
func appendAlias(returnURL, aliasid string) string {
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + "aliasid=" + aliasid
}

// backupState copies Meta fields and the named fields from dict into
// state with an underscore prefix, so the execute step can restore
// them.
func backupState(state, dict *keyvalue.Dict, names ...string) {
	for _, it := range dict.Items() {
		if strings.HasPrefix(it.Name, "Meta[") && it.Value != "" {
			state.Put("_"+it.Name, it.Value)
		}
	}
	for _, name := range names {
		state.Put("_"+name, dict.Get(name))
	}
}

// restoreState copies the prefixed fields back into dict without the
// underscore.
func restoreState(dict, state *keyvalue.Dict) {
	for _, it := range state.Items() {
		if strings.HasPrefix(it.Name, "_Meta[") && it.Value != "" {
			dict.Put(it.Name[1:], it.Value)
			continue
		}
	}
	for _, name := range []string{"_Amount", "_Currency", "_Desc", "_Recur"} {
		if v, ok := state.Lookup(name); ok {
			dict.Put(name[1:], v)
		}
	}
}

func (c *Client) liveString() string {
	if c.live {
		return "t"
	}
	return "f"
}

// CheckoutPrepare starts a checkout.  The prepared state is stored in
// the session named by Session-Id (created on the fly when missing) and
// the alias handed to PayPal is the only way back into that state.  On
// success dict carries Redirect-Url and, for a fresh session, _SESSID.
// Subscriptions mint an account record up front, so accounts is
// required when Recur is set.
func (c *Client) CheckoutPrepare(ctx context.Context, dict *keyvalue.Dict, sessions *session.Store, accounts *account.Store) error {
	returnURL, err := urlField(dict, "Return-Url")
	if err != nil {
		return err
	}
	cancelURL, err := urlField(dict, "Cancel-Url")
	if err != nil {
		return err
	}

	// Currency and Amount have been validated by the command layer.
	currency := dict.Get("Currency")
	amount := dict.Get("Amount")
	desc := description(dict)
	recur := dict.GetInt("Recur")

	sessid := dict.Get("Session-Id")
	if sessid == "" {
		sessid, err = sessions.Create(0, nil)
		if err != nil {
			return err
		}
		dict.Put("Session-Id", sessid)
		dict.Put("_SESSID", sessid)
	}
	aliasid, err := sessions.CreateAlias(sessid)
	if err != nil {
		return err
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	state := keyvalue.New()
	state.Put("_paypal:access_token", token)

	if recur != 0 {
		err = c.prepareSubscription(ctx, dict, state, token, recur,
			currency, amount, desc, appendAlias(returnURL, aliasid), cancelURL, accounts)
	} else {
		err = c.prepareSale(ctx, dict, state, token,
			currency, amount, desc, appendAlias(returnURL, aliasid), cancelURL)
	}
	if err != nil {
		return err
	}

	backupState(state, dict, "Amount", "Currency", "Desc", "Recur")
	return sessions.Put(sessid, state)
}

// prepareSale posts a one-shot sale payment and extracts the approval
// URL.
func (c *Client) prepareSale(ctx context.Context, dict, state *keyvalue.Dict, token, currency, amount, desc, returnURL, cancelURL string) error {
	payment := map[string]any{
		"intent": "sale",
		"payer":  map[string]any{"payment_method": "paypal"},
		"transactions": []any{map[string]any{
			"amount":      map[string]any{"currency": currency, "total": amount},
			"description": desc,
		}},
		"redirect_urls": map[string]any{
			"return_url": returnURL,
			"cancel_url": cancelURL,
		},
	}
	if xp := dict.Get("Paypal-Xp"); xp != "" && !strings.ContainsRune(xp, '"') {
		payment["experience_profile_id"] = xp
	}
	body, err := json.Marshal(payment)
	if err != nil {
		return payerr.New(payerr.CodeGeneral, "cannot encode payment")
	}

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("payments/payment", ""),
		gateway.Auth{Bearer: token}, nil, string(body))
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK && res.Status != http.StatusCreated {
		c.log.Error().Int("status", res.Status).Msg("error sending payment")
		extractFailure(res.Body, dict)
		return payerr.New(payerr.CodeGateway, "error preparing checkout")
	}

	id := gateway.Str(res.Body, "id")
	if id == "" {
		c.log.Error().Msg("payment id missing in result")
		return payerr.New(payerr.CodeGateway, "malformed payment reply")
	}
	approval := gateway.LinkByRel(res.Body, "approval_url")
	if approval == "" {
		c.log.Error().Msg("approval_url missing in result")
		return payerr.New(payerr.CodeGateway, "malformed payment reply")
	}

	state.Put("_paypal:id", id)
	dict.Put("Redirect-Url", approval)
	return nil
}

// prepareSubscription creates a billing agreement on a matching plan
// and extracts the approval and execute URLs.  A fresh account record is
// minted here; execute stores the payer id under it.
func (c *Client) prepareSubscription(ctx context.Context, dict, state *keyvalue.Dict, token string, recur int, currency, amount, desc, returnURL, cancelURL string, accounts *account.Store) error {
	if accounts == nil {
		return payerr.New(payerr.CodeGeneral, "account store not configured")
	}
	planID, err := c.FindOrCreatePlan(ctx, token, recur, amount, currency)
	if err != nil {
		return err
	}
	accountID, err := accounts.NewRecord()
	if err != nil {
		return err
	}

	freq, interval, err := planFrequency(recur)
	if err != nil {
		return err
	}
	// The first cycle is charged on approval; the agreement proper
	// starts one period later.
	start := c.now().UTC()
	switch freq {
	case "YEAR":
		start = start.AddDate(interval, 0, 0)
	case "MONTH":
		start = start.AddDate(0, interval, 0)
	}

	agreement := map[string]any{
		"name":        planName(recur, amount, currency),
		"description": desc,
		"start_date":  start.Format(time.RFC3339),
		"plan":        map[string]any{"id": planID},
		"payer":       map[string]any{"payment_method": "paypal"},
		"override_merchant_preferences": map[string]any{
			"return_url": returnURL,
			"cancel_url": cancelURL,
		},
	}
	body, err := json.Marshal(agreement)
	if err != nil {
		return payerr.New(payerr.CodeGeneral, "cannot encode agreement")
	}

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("payments/billing-agreements", ""),
		gateway.Auth{Bearer: token}, nil, string(body))
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK && res.Status != http.StatusCreated {
		c.log.Error().Int("status", res.Status).Msg("error creating billing agreement")
		extractFailure(res.Body, dict)
		return payerr.New(payerr.CodeGateway, "error preparing subscription")
	}

	approval := gateway.LinkByRel(res.Body, "approval_url")
	execute := gateway.LinkByRel(res.Body, "execute")
	if approval == "" || execute == "" {
		c.log.Error().Msg("approval_url or execute link missing in result")
		return payerr.New(payerr.CodeGateway, "malformed agreement reply")
	}

	state.Put("_paypal:hateoas:execute", execute)
	state.Put("_paypal:plan_id", planID)
	state.Put("_paypal:account_id", accountID)
	dict.Put("Redirect-Url", approval)
	return nil
}

// saleID walks transactions[].related_resources[] for the first sale id.
func saleID(body any) string {
	for _, tx := range gateway.Arr(body, "transactions") {
		for _, rr := range gateway.Arr(tx, "related_resources") {
			if id := gateway.Str(rr, "sale", "id"); id != "" {
				return id
			}
		}
	}
	return ""
}

// CheckoutExecute finishes a checkout after the payer approved it.  The
// alias is destroyed first so a replayed callback cannot execute twice.
// accounts may be nil; then subscription payer ids are not recorded.
func (c *Client) CheckoutExecute(ctx context.Context, dict *keyvalue.Dict, sessions *session.Store, accounts *account.Store) error {
	aliasid := dict.Get("Alias-Id")
	sessid, err := sessions.SessID(aliasid)
	if err != nil {
		return err
	}
	if err := sessions.DestroyAlias(aliasid); err != nil {
		return err
	}
	state, err := sessions.Get(sessid)
	if err != nil {
		return err
	}
	restoreState(dict, state)

	token := state.Get("_paypal:access_token")
	if token == "" {
		return payerr.New(payerr.CodeMissingValue, "no access token in session")
	}

	if execURL := state.Get("_paypal:hateoas:execute"); execURL != "" {
		return c.executeAgreement(ctx, dict, state, token, execURL, accounts)
	}
	return c.executePayment(ctx, dict, state, token)
}

// executePayment captures a prepared one-shot sale.
func (c *Client) executePayment(ctx context.Context, dict, state *keyvalue.Dict, token string) error {
	payer := dict.Get("Paypal-Payer")
	if payer == "" {
		return payerr.New(payerr.CodeMissingValue, "Paypal-Payer missing")
	}
	paypalID := state.Get("_paypal:id")
	if paypalID == "" {
		return payerr.New(payerr.CodeMissingValue, "no payment id in session")
	}

	body, err := json.Marshal(map[string]any{"payer_id": payer})
	if err != nil {
		return payerr.New(payerr.CodeGeneral, "cannot encode execute request")
	}
	res, err := c.gw.Call(ctx, http.MethodPost,
		c.url("payments/payment/"+paypalID+"/execute", ""),
		gateway.Auth{Bearer: token}, nil, string(body))
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK && res.Status != http.StatusCreated {
		c.log.Error().Int("status", res.Status).Msg("error executing payment")
		extractFailure(res.Body, dict)
		return payerr.New(payerr.CodeGateway, "error executing checkout")
	}

	dict.Put("Charge-Id", paypalID)
	sale := saleID(res.Body)
	if sale == "" {
		c.log.Error().Msg("sale id missing in result")
		return payerr.New(payerr.CodeGateway, "malformed execute reply")
	}
	// The sale id goes into the field otherwise used for Stripe's
	// balance transaction.
	dict.Put("balance-transaction", sale)

	if email := gateway.Str(res.Body, "payer", "payer_info", "email"); email != "" {
		dict.Put("Email", email)
	} else {
		dict.Delete("Email")
	}
	dict.Put("Live", c.liveString())
	return nil
}

// executeAgreement activates a prepared billing agreement via its
// HATEOAS execute link.
func (c *Client) executeAgreement(ctx context.Context, dict, state *keyvalue.Dict, token, execURL string, accounts *account.Store) error {
	accountID := state.Get("_paypal:account_id")
	if accountID == "" {
		c.log.Error().Msg("prepared subscription state carries no account id")
		return payerr.New(payerr.CodeMissingValue, "no account id in session")
	}

	res, err := c.gw.Call(ctx, http.MethodPost, c.url(execURL, ""),
		gateway.Auth{Bearer: token}, nil, "{ }")
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK && res.Status != http.StatusCreated {
		c.log.Error().Int("status", res.Status).Msg("error executing billing agreement")
		extractFailure(res.Body, dict)
		return payerr.New(payerr.CodeGateway, "error executing subscription")
	}

	agreementID := gateway.Str(res.Body, "id")
	if agreementID == "" {
		c.log.Error().Msg("agreement id missing in result")
		return payerr.New(payerr.CodeGateway, "malformed agreement reply")
	}
	dict.Put("Charge-Id", agreementID)
	dict.Delete("balance-transaction")

	email := gateway.Str(res.Body, "payer", "payer_info", "email")
	if email != "" {
		dict.Put("Email", email)
	} else {
		dict.Delete("Email")
	}

	if accounts != nil {
		payerID := gateway.Str(res.Body, "payer", "payer_info", "payer_id")
		if payerID != "" {
			if err := accounts.Update(accountID, "_paypal_payer_id="+payerID, email); err != nil {
				return err
			}
		}
		dict.Put("Account-Id", accountID)
	}
	dict.Put("Live", c.liveString())
	return nil
}

// planName returns the deterministic billing plan name.
func planName(recur int, amount, currency string) string {
	return fmt.Sprintf("gnupg-%d-%s-%s", recur, amount, strings.ToLower(currency))
}

// planFrequency maps payments-per-year to a billing frequency.
func planFrequency(recur int) (freq string, interval int, err error) {
	switch recur {
	case 1:
		return "YEAR", 1, nil
	case 4:
		return "MONTH", 3, nil
	case 12:
		return "MONTH", 1, nil
	}
	return "", 0, payerr.New(payerr.CodeInvValue, "Recur out of range")
}

// FindOrCreatePlan returns the id of the active billing plan matching
// recur, amount and currency, creating and activating one when no match
// exists.  With several matches the most recently updated plan wins.
func (c *Client) FindOrCreatePlan(ctx context.Context, token string, recur int, amount, currency string) (string, error) {
	name := planName(recur, amount, currency)

	var bestID, bestUpdate string
	for page := 0; page < maxPlanPages; page++ {
		res, err := c.gw.Call(ctx, http.MethodGet,
			c.url(fmt.Sprintf("payments/billing-plans?status=ACTIVE&page_size=20&page=%d", page), ""),
			gateway.Auth{Bearer: token}, nil, "")
		if err != nil {
			return "", err
		}
		if !res.Ok() {
			c.log.Error().Int("status", res.Status).Msg("error listing billing plans")
			return "", payerr.New(payerr.CodeGateway, "error listing plans")
		}
		plans := gateway.Arr(res.Body, "plans")
		if len(plans) == 0 {
			break
		}
		for _, p := range plans {
			if gateway.Str(p, "name") != name {
				continue
			}
			id := gateway.Str(p, "id")
			update := gateway.Str(p, "update_time")
			if id == "" {
				continue
			}
			// String comparison is enough for the ISO timestamps
			// PayPal returns; ties go to the shorter, then
			// lexicographically smaller id.
			if bestID == "" || update > bestUpdate ||
				(update == bestUpdate &&
					(len(id) < len(bestID) || (len(id) == len(bestID) && id < bestID))) {
				bestID, bestUpdate = id, update
			}
		}
		if len(plans) < 20 {
			break
		}
	}
	if bestID != "" {
		return bestID, nil
	}
	return c.createPlan(ctx, token, recur, amount, currency)
}

// createPlan posts a new infinite billing plan and PATCHes it active.
func (c *Client) createPlan(ctx context.Context, token string, recur int, amount, currency string) (string, error) {
	freq, interval, err := planFrequency(recur)
	if err != nil {
		return "", err
	}
	plan := map[string]any{
		"name":        planName(recur, amount, currency),
		"description": fmt.Sprintf("GnuPG donation, %d payments per year", recur),
		"type":        "INFINITE",
		"payment_definitions": []any{map[string]any{
			"name":               "Regular",
			"type":               "REGULAR",
			"frequency":          freq,
			"frequency_interval": fmt.Sprintf("%d", interval),
			"cycles":             "0",
			"amount": map[string]any{
				"value":    amount,
				"currency": strings.ToUpper(currency),
			},
		}},
		"merchant_preferences": map[string]any{
			"auto_bill_amount": "YES",
			// Placeholders; agreements override these per checkout.
			"return_url": "https://gnupg.org/donate/",
			"cancel_url": "https://gnupg.org/donate/",
		},
	}
	body, err := json.Marshal(plan)
	if err != nil {
		return "", payerr.New(payerr.CodeGeneral, "cannot encode plan")
	}

	res, err := c.gw.Call(ctx, http.MethodPost, c.url("payments/billing-plans", ""),
		gateway.Auth{Bearer: token}, nil, string(body))
	if err != nil {
		return "", err
	}
	if res.Status != http.StatusOK && res.Status != http.StatusCreated {
		c.log.Error().Int("status", res.Status).Msg("error creating billing plan")
		return "", payerr.New(payerr.CodeGateway, "error creating plan")
	}
	id := gateway.Str(res.Body, "id")
	if id == "" {
		return "", payerr.New(payerr.CodeGateway, "malformed plan reply")
	}

	patch := `[{"op":"replace","path":"/","value":{"state":"ACTIVE"}}]`
	res, err = c.gw.Call(ctx, http.MethodPatch, c.url("payments/billing-plans", id),
		gateway.Auth{Bearer: token}, nil, patch)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		c.log.Error().Int("status", res.Status).Str("plan", id).Msg("error activating billing plan")
		return "", payerr.New(payerr.CodeGateway, "error activating plan")
	}
	return id, nil
}

// ProcessIPN verifies an IPN message by echoing it back to PayPal.  The
// raw urlencoded request is checked for the configured receiver mailbox
// first to avoid useless round trips.
func (c *Client) ProcessIPN(ctx context.Context, request string) error {
	request = strings.NewReplacer("\n", "", "\r", "").Replace(request)
	if request == "" {
		return payerr.New(payerr.CodeMissingValue, "no request given")
	}

	form, err := url.ParseQuery(request)
	if err != nil {
		c.log.Error().Err(err).Msg("ipn: error parsing request")
		return payerr.New(payerr.CodeInvValue, "malformed IPN request")
	}
	if c.receiverEmail == "" || form.Get("receiver_email") != c.receiverEmail {
		c.log.Error().Str("mail", form.Get("receiver_email")).Msg("ipn: wrong receiver_email")
		return payerr.New(payerr.CodeForbidden, "wrong receiver_email")
	}

	webscr := c.webscrURL
	if webscr == "" {
		if form.Get("test_ipn") != "" && form.Get("test_ipn") != "0" {
			webscr = sandboxWebscr
		} else {
			webscr = liveWebscr
		}
	}

	resp, err := c.ipn.CallText(ctx, http.MethodPost, webscr, "cmd=_notify-validate&"+request)
	if err != nil {
		return err
	}
	if resp != "VERIFIED" {
		c.log.Error().Str("response", resp).Msg("ipn: not authentic")
		return payerr.New(payerr.CodeNotFound, "IPN not authentic")
	}
	c.log.Info().Str("txn", form.Get("txn_id")).Msg("ipn: accepted")
	return nil
}
