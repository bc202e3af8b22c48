package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	stripeBaseURL = "https://api.stripe.com"

	// Maximum accepted age of a webhook signature timestamp.
	webhookTolerance = 5 * time.Minute
)

// Stripe talks to the Stripe REST API directly; the surface this service
// needs is small enough that a full SDK would be dead weight.
type Stripe struct {
	apiKey        string
	webhookSecret []byte
	baseURL       string
	client        *http.Client
	now           func() time.Time
}

var _ Provider = (*Stripe)(nil)

// NewStripe builds the Stripe backend from configuration.
func NewStripe(cfg Config) (*Stripe, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("payment: stripe api key is required")
	}
	return &Stripe{
		apiKey:        cfg.APIKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		baseURL:       stripeBaseURL,
		client:        &http.Client{Timeout: 15 * time.Second},
		now:           time.Now,
	}, nil
}

func (s *Stripe) Kind() Kind { return KindStripe }

func (s *Stripe) CreateCheckout(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][quantity]", strconv.Itoa(params.Quantity))
	form.Set("line_items[0][price_data][currency]", params.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.UnitAmount, 10))
	form.Set("line_items[0][price_data][product_data][name]", params.ItemName)
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	form.Set("metadata[event_id]", params.EventID)
	if params.Day != "" {
		form.Set("metadata[day]", params.Day)
	}
	form.Set("metadata[quantity]", strconv.Itoa(params.Quantity))

	var resp struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &resp); err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{ID: resp.ID, URL: resp.URL}, nil
}

func (s *Stripe) GetCheckout(ctx context.Context, id string) (CheckoutStatus, error) {
	var resp struct {
		ID            string            `json:"id"`
		PaymentStatus string            `json:"payment_status"`
		PaymentIntent string            `json:"payment_intent"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, &resp); err != nil {
		return CheckoutStatus{}, err
	}
	return CheckoutStatus{
		ID:        resp.ID,
		Paid:      resp.PaymentStatus == "paid",
		PaymentID: resp.PaymentIntent,
		Metadata:  resp.Metadata,
	}, nil
}

func (s *Stripe) Refund(ctx context.Context, paymentID string) error {
	form := url.Values{}
	form.Set("payment_intent", paymentID)
	var resp struct {
		Status string `json:"status"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/refunds", form, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrRefund, err)
	}
	if resp.Status != "succeeded" && resp.Status != "pending" {
		return fmt.Errorf("%w: refund status %q", ErrRefund, resp.Status)
	}
	return nil
}

func (s *Stripe) IsRefunded(ctx context.Context, paymentID string) (bool, error) {
	var resp struct {
		Data []struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("payment_intent", paymentID)
	if err := s.do(ctx, http.MethodGet, "/v1/refunds?"+q.Encode(), nil, &resp); err != nil {
		return false, err
	}
	for _, r := range resp.Data {
		if r.Status == "succeeded" || r.Status == "pending" {
			return true, nil
		}
	}
	return false, nil
}

// VerifyWebhook checks the Stripe-Signature header (t=...,v1=...) against an
// HMAC of "<timestamp>.<payload>" and parses the event. Malformed or stale
// signatures are rejected outright.
func (s *Stripe) VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error) {
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return WebhookEvent{}, err
	}
	age := s.now().Sub(time.Unix(timestamp, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return WebhookEvent{}, fmt.Errorf("%w: timestamp outside tolerance", ErrBadWebhook)
	}

	mac := hmac.New(sha256.New, s.webhookSecret)
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	expected := mac.Sum(nil)

	matched := false
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			matched = true
		}
	}
	if !matched {
		return WebhookEvent{}, fmt.Errorf("%w: signature mismatch", ErrBadWebhook)
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrBadWebhook, err)
	}
	if event.Type == "" || event.Data.Object.ID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing event fields", ErrBadWebhook)
	}
	return WebhookEvent{Type: event.Type, CheckoutSessionID: event.Data.Object.ID}, nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp  int64
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrBadWebhook)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: missing signature fields", ErrBadWebhook)
	}
	return timestamp, signatures, nil
}

func (s *Stripe) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error.Message != "" {
			return fmt.Errorf("payment: stripe %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("payment: stripe status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
