package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/tessera-tickets/tessera/internal/ids"
)

// Fake is an in-memory provider for tests and local development. Checkouts
// are marked paid explicitly by the test driving the flow.
type Fake struct {
	mu        sync.Mutex
	checkouts map[string]*fakeCheckout
	refunds   map[string]int
	refundErr error
}

type fakeCheckout struct {
	params    CheckoutParams
	paid      bool
	paymentID string
}

var _ Provider = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		checkouts: make(map[string]*fakeCheckout),
		refunds:   make(map[string]int),
	}
}

func (f *Fake) Kind() Kind { return KindFake }

func (f *Fake) CreateCheckout(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "cs_" + ids.New()
	meta := map[string]string{
		"event_id": params.EventID,
		"quantity": fmt.Sprintf("%d", params.Quantity),
	}
	if params.Day != "" {
		meta["day"] = params.Day
	}
	for k, v := range params.Metadata {
		meta[k] = v
	}
	params.Metadata = meta
	f.checkouts[id] = &fakeCheckout{params: params, paymentID: "pi_" + ids.New()}
	return CheckoutSession{ID: id, URL: "https://pay.example.test/" + id}, nil
}

func (f *Fake) GetCheckout(ctx context.Context, id string) (CheckoutStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	co, ok := f.checkouts[id]
	if !ok {
		return CheckoutStatus{}, ErrNotFound
	}
	return CheckoutStatus{
		ID:        id,
		Paid:      co.paid,
		PaymentID: co.paymentID,
		Metadata:  co.params.Metadata,
	}, nil
}

func (f *Fake) Refund(ctx context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunds[paymentID]++
	return nil
}

func (f *Fake) IsRefunded(ctx context.Context, paymentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[paymentID] > 0, nil
}

// VerifyWebhook accepts any payload shaped like "<type>:<checkout id>" with
// the signature "fake". Tests exercising webhook rejection pass anything else.
func (f *Fake) VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error) {
	if signatureHeader != "fake" {
		return WebhookEvent{}, ErrBadWebhook
	}
	var event WebhookEvent
	if _, err := fmt.Sscanf(string(payload), "%s", &event.CheckoutSessionID); err != nil {
		return WebhookEvent{}, ErrBadWebhook
	}
	event.Type = "checkout.session.completed"
	return event, nil
}

// MarkPaid flips a checkout to paid. Test helper.
func (f *Fake) MarkPaid(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if co, ok := f.checkouts[id]; ok {
		co.paid = true
	}
}

// RefundCount reports how many times a payment was refunded. Test helper.
func (f *Fake) RefundCount(paymentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[paymentID]
}

// FailRefunds makes every subsequent refund call return err. Test helper.
func (f *Fake) FailRefunds(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundErr = err
}

// PaymentIDFor returns the payment id behind a checkout. Test helper.
func (f *Fake) PaymentIDFor(checkoutID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if co, ok := f.checkouts[checkoutID]; ok {
		return co.paymentID
	}
	return ""
}
