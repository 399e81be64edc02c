package handlers

import (
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestHandler(cfg Config) *Handler {
	return New(nil, nil, slog.Default(), cfg)
}

func TestCheckout_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(Config{StripeSecretKey: "sk_test_123"})
	req := httptest.NewRequest("GET", "/api/v1/payments/checkout", nil)
	rr := httptest.NewRecorder()
	h.Checkout(rr, req)
	if rr.Code != 405 {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestCheckout_NotConfigured(t *testing.T) {
	h := newTestHandler(Config{})
	req := httptest.NewRequest("POST", "/api/v1/payments/checkout", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.Checkout(rr, req)
	if rr.Code != 501 {
		t.Fatalf("expected 501 when STRIPE_SECRET_KEY missing, got %d", rr.Code)
	}
}

func TestCheckout_Validation(t *testing.T) {
	h := newTestHandler(Config{
		StripeSecretKey:    "sk_test_123",
		CheckoutSuccessURL: "https://example.com/ok",
		CheckoutCancelURL:  "https://example.com/cancel",
	})

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing ids", `{"amount_cents": 5000}`},
		{"zero amount", `{"professional_id":"prof-1","reservation_id":"res-1","amount_cents":0}`},
		{"negative amount", `{"professional_id":"prof-1","reservation_id":"res-1","amount_cents":-50}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/api/v1/payments/checkout", strings.NewReader(tc.body))
		rr := httptest.NewRecorder()
		h.Checkout(rr, req)
		if rr.Code != 400 {
			t.Fatalf("%s: expected 400, got %d", tc.name, rr.Code)
		}
	}
}

func TestCheckout_RequiresReturnURLs(t *testing.T) {
	h := newTestHandler(Config{StripeSecretKey: "sk_test_123"})
	body := `{"professional_id":"prof-1","reservation_id":"res-1","amount_cents":5000}`
	req := httptest.NewRequest("POST", "/api/v1/payments/checkout", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Checkout(rr, req)
	if rr.Code != 400 {
		t.Fatalf("expected 400 without return urls, got %d", rr.Code)
	}
}

func TestStripeWebhook_NotConfigured(t *testing.T) {
	h := newTestHandler(Config{})
	req := httptest.NewRequest("POST", "/api/v1/payments/webhooks/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, req)
	if rr.Code != 503 {
		t.Fatalf("expected 503 without webhook secret, got %d", rr.Code)
	}
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	h := newTestHandler(Config{StripeWebhookSecret: "whsec_test"})
	req := httptest.NewRequest("POST", "/api/v1/payments/webhooks/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, req)
	if rr.Code != 400 {
		t.Fatalf("expected 400 without Stripe-Signature, got %d", rr.Code)
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	h := newTestHandler(Config{StripeWebhookSecret: "whsec_test"})
	req := httptest.NewRequest("POST", "/api/v1/payments/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, req)
	if rr.Code != 400 {
		t.Fatalf("expected 400 for bad signature, got %d", rr.Code)
	}
}

func TestLocalWebhook_Validation(t *testing.T) {
	h := newTestHandler(Config{})

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing fields", `{"event_id":"evt-1"}`},
		{"bad timestamp", `{"event_id":"evt-1","type":"payment.succeeded","session_id":"cs_1","occurred_at":"yesterday"}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/api/v1/payments/webhooks/local", strings.NewReader(tc.body))
		rr := httptest.NewRecorder()
		h.LocalWebhook(rr, req)
		if rr.Code != 400 {
			t.Fatalf("%s: expected 400, got %d", tc.name, rr.Code)
		}
	}
}

func TestAckCheckoutReturn_Validation(t *testing.T) {
	h := newTestHandler(Config{})

	req := httptest.NewRequest("POST", "/api/v1/payments/checkout/session/ack", strings.NewReader(`{"session_id":"cs_1","state":"tok","result":"maybe"}`))
	rr := httptest.NewRecorder()
	h.AckCheckoutReturn(rr, req)
	if rr.Code != 400 {
		t.Fatalf("expected 400 for invalid result, got %d", rr.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/payments/checkout/session/ack", strings.NewReader(`{"result":"success"}`))
	rr = httptest.NewRecorder()
	h.AckCheckoutReturn(rr, req)
	if rr.Code != 400 {
		t.Fatalf("expected 400 without session_id/state, got %d", rr.Code)
	}
}

func TestWithQueryParam(t *testing.T) {
	got := withQueryParam("https://example.com/return?foo=1", "state", "tok-abc")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("state") != "tok-abc" {
		t.Fatalf("state param missing: %s", got)
	}
	if u.Query().Get("foo") != "1" {
		t.Fatalf("existing param dropped: %s", got)
	}
}
