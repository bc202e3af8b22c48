package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestStripe(t *testing.T, handler http.Handler) *Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := NewStripe(Config{APIKey: "sk_test_123", WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("NewStripe: %v", err)
	}
	s.baseURL = srv.URL
	s.client = srv.Client()
	return s
}

func TestStripeCreateCheckout(t *testing.T) {
	s := newTestStripe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("metadata[event_id]"); got != "ev1" {
			t.Fatalf("event_id metadata: %q", got)
		}
		if got := r.PostForm.Get("line_items[0][price_data][unit_amount]"); got != "2500" {
			t.Fatalf("unit_amount: %q", got)
		}
		fmt.Fprint(w, `{"id":"cs_123","url":"https://checkout.stripe.com/c/cs_123"}`)
	}))

	session, err := s.CreateCheckout(context.Background(), CheckoutParams{
		EventID:    "ev1",
		Quantity:   2,
		UnitAmount: 2500,
		Currency:   "eur",
		ItemName:   "Summer Gala",
		SuccessURL: "https://tickets.example/return",
		CancelURL:  "https://tickets.example/cancel",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if session.ID != "cs_123" {
		t.Fatalf("session id: %q", session.ID)
	}
}

func TestStripeGetCheckout(t *testing.T) {
	s := newTestStripe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions/cs_9" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":"cs_9","payment_status":"paid","payment_intent":"pi_9","metadata":{"event_id":"ev1","quantity":"1"}}`)
	}))

	status, err := s.GetCheckout(context.Background(), "cs_9")
	if err != nil {
		t.Fatalf("GetCheckout: %v", err)
	}
	if !status.Paid || status.PaymentID != "pi_9" || status.Metadata["event_id"] != "ev1" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestStripeRefundErrors(t *testing.T) {
	s := newTestStripe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"charge already refunded"}}`)
	}))

	err := s.Refund(context.Background(), "pi_1")
	if !errors.Is(err, ErrRefund) {
		t.Fatalf("Refund: got %v, want ErrRefund", err)
	}
}

func signWebhook(secret []byte, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifyWebhook(t *testing.T) {
	s, err := NewStripe(Config{APIKey: "sk", WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("NewStripe: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_55"}}}`)
	header := signWebhook([]byte("whsec_test"), now.Unix(), payload)

	event, err := s.VerifyWebhook(payload, header)
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if event.CheckoutSessionID != "cs_55" || event.Type != "checkout.session.completed" {
		t.Fatalf("unexpected event: %+v", event)
	}

	// Wrong secret.
	bad := signWebhook([]byte("other"), now.Unix(), payload)
	if _, err := s.VerifyWebhook(payload, bad); !errors.Is(err, ErrBadWebhook) {
		t.Fatalf("bad signature: got %v, want ErrBadWebhook", err)
	}

	// Tampered payload.
	if _, err := s.VerifyWebhook([]byte(`{}`), header); !errors.Is(err, ErrBadWebhook) {
		t.Fatalf("tampered payload: got %v, want ErrBadWebhook", err)
	}

	// Stale timestamp.
	stale := signWebhook([]byte("whsec_test"), now.Add(-time.Hour).Unix(), payload)
	if _, err := s.VerifyWebhook(payload, stale); !errors.Is(err, ErrBadWebhook) {
		t.Fatalf("stale timestamp: got %v, want ErrBadWebhook", err)
	}

	// Garbage header.
	if _, err := s.VerifyWebhook(payload, "nonsense"); !errors.Is(err, ErrBadWebhook) {
		t.Fatalf("garbage header: got %v, want ErrBadWebhook", err)
	}
}

func TestReturnTokenRoundTrip(t *testing.T) {
	secret := []byte("return-token-secret")

	token, err := MintReturnToken(secret, "cs_77", "ev2", time.Hour)
	if err != nil {
		t.Fatalf("MintReturnToken: %v", err)
	}
	cs, ev, err := VerifyReturnToken(secret, token)
	if err != nil {
		t.Fatalf("VerifyReturnToken: %v", err)
	}
	if cs != "cs_77" || ev != "ev2" {
		t.Fatalf("claims: cs=%q ev=%q", cs, ev)
	}

	if _, _, err := VerifyReturnToken([]byte("wrong"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: got %v, want ErrInvalidToken", err)
	}
	if _, _, err := VerifyReturnToken(secret, token+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token: got %v, want ErrInvalidToken", err)
	}
	if _, _, err := VerifyReturnToken(secret, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token: got %v, want ErrInvalidToken", err)
	}
}

func TestProviderDispatch(t *testing.T) {
	p, err := New(KindFake, Config{})
	if err != nil {
		t.Fatalf("New(fake): %v", err)
	}
	if p.Kind() != KindFake {
		t.Fatalf("kind: %s", p.Kind())
	}

	if _, err := New("paypal", Config{}); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	if _, err := New(KindStripe, Config{}); err == nil {
		t.Fatalf("stripe without api key accepted")
	}
}
