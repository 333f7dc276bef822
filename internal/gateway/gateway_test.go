package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/circuitbreaker"
	"github.com/payproc/payprocd/internal/payerr"
)

func testClient() *Client {
	return New(nil, circuitbreaker.ServiceStripe, 5*time.Second, zerolog.Nop())
}

func TestURL(t *testing.T) {
	tests := []struct{ host, path, id, want string }{
		{"api.stripe.com", "charges", "", "https://api.stripe.com/v1/charges"},
		{"api.stripe.com", "plans", "gnupg-1-500-eur", "https://api.stripe.com/v1/plans/gnupg-1-500-eur"},
		{"api.paypal.com", "payments/payment", "PAY-1", "https://api.paypal.com/v1/payments/payment/PAY-1"},
		// A HATEOAS link already carrying the prefix is kept as-is.
		{"api.paypal.com", "https://api.paypal.com/v1/payments/billing-agreements/I-1/agreement-execute", "",
			"https://api.paypal.com/v1/payments/billing-agreements/I-1/agreement-execute"},
		// Cross-host links pass through untouched.
		{"api.paypal.com", "https://other.example.org/v1/x", "", "https://other.example.org/v1/x"},
	}
	for _, tt := range tests {
		if got := URL(tt.host, tt.path, tt.id); got != tt.want {
			t.Errorf("URL(%q, %q, %q) = %q, want %q", tt.host, tt.path, tt.id, got, tt.want)
		}
	}
}

func TestCallFormPost(t *testing.T) {
	var gotAuth, gotCT, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		gotAuth = user
		gotCT = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{"id":"ch_1","paid":true}`))
	}))
	defer srv.Close()

	form := url.Values{}
	form.Set("amount", "1042")
	form.Set("currency", "eur")
	res, err := testClient().Call(context.Background(), http.MethodPost, srv.URL,
		Auth{Basic: "sk_test_123"}, form, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() {
		t.Fatalf("status = %d", res.Status)
	}
	if gotAuth != "sk_test_123" {
		t.Errorf("basic auth user = %q", gotAuth)
	}
	if gotCT != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", gotCT)
	}
	if gotBody != "amount=1042&currency=eur" {
		t.Errorf("body = %q", gotBody)
	}
	if Str(res.Body, "id") != "ch_1" || !Bool(res.Body, "paid") {
		t.Errorf("parsed body = %+v", res.Body)
	}
}

func TestCallJSONAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok_1" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		var v map[string]any
		json.NewDecoder(r.Body).Decode(&v)
		if v["payer_id"] != "PP123" {
			t.Errorf("json body = %+v", v)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	res, err := testClient().Call(context.Background(), http.MethodPost, srv.URL,
		Auth{Bearer: "tok_1"}, nil, `{"payer_id": "PP123"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != http.StatusCreated || res.Body != nil {
		t.Errorf("res = %+v", res)
	}
}

func TestCallClientErrorParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","message":"Your card was declined."}}`))
	}))
	defer srv.Close()

	res, err := testClient().Call(context.Background(), http.MethodPost, srv.URL, Auth{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Ok() {
		t.Error("4xx must not be Ok")
	}
	if Str(res.Body, "error", "message") != "Your card was declined." {
		t.Errorf("error body = %+v", res.Body)
	}
}

func TestCallServerErrorIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient().Call(context.Background(), http.MethodGet, srv.URL, Auth{}, nil, "")
	var pe *payerr.Error
	if !errors.As(err, &pe) || pe.Code != payerr.CodeNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestCallUnauthorizedCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_token"}`))
	}))
	defer srv.Close()

	c := testClient()
	invalidated := false
	c.OnUnauthorized(func() { invalidated = true })

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL, Auth{Bearer: "stale"}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !invalidated {
		t.Error("401 did not trigger the invalidation callback")
	}
	if Str(res.Body, "error") != "invalid_token" {
		t.Errorf("body = %+v", res.Body)
	}
}

func TestCallText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if string(b) != "cmd=_notify-validate&txn_id=1" {
			t.Errorf("body = %q", b)
		}
		w.Write([]byte("VERIFIED\n"))
	}))
	defer srv.Close()

	got, err := testClient().CallText(context.Background(), http.MethodPost, srv.URL,
		"cmd=_notify-validate&txn_id=1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "VERIFIED" {
		t.Errorf("response = %q", got)
	}
}

func TestJSONPathHelpers(t *testing.T) {
	var v any
	raw := `{
	  "links":[{"rel":"self","href":"u1"},{"rel":"approval_url","href":"u2"}],
	  "transactions":[{"related_resources":[{"sale":{"id":"SALE9"}}]}],
	  "amount": {"total": 10.5}
	}`
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatal(err)
	}
	if got := LinkByRel(v, "approval_url"); got != "u2" {
		t.Errorf("LinkByRel = %q", got)
	}
	if got := Str(v, "transactions", 0, "related_resources", 0, "sale", "id"); got != "SALE9" {
		t.Errorf("sale id = %q", got)
	}
	if got := Num(v, "amount", "total"); got != 10.5 {
		t.Errorf("total = %v", got)
	}
	if Str(v, "missing", "path") != "" || Arr(v, "amount") != nil {
		t.Error("missing paths must yield zero values")
	}
}
