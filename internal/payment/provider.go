// Package payment abstracts the checkout provider. The set of backends is a
// closed, explicitly dispatched list; which one is active is chosen by
// configuration, never inferred from which credentials happen to be present.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a payment backend.
type Kind string

const (
	KindStripe Kind = "stripe"
	KindFake   Kind = "fake"
)

var (
	// ErrVerification indicates the checkout is not paid or its metadata is
	// missing the fields a registration needs.
	ErrVerification = errors.New("payment: verification failed")

	// ErrRefund indicates the provider rejected or failed a refund call.
	ErrRefund = errors.New("payment: refund failed")

	// ErrBadWebhook indicates a webhook payload that is malformed or carries
	// an invalid signature. Handlers reject these outright.
	ErrBadWebhook = errors.New("payment: invalid webhook")

	ErrNotFound = errors.New("payment: not found")
)

// CheckoutParams describes one checkout session to create. The registration
// fields travel as session metadata so the confirmation paths can rebuild the
// attendee from the provider's copy.
type CheckoutParams struct {
	EventID    string
	Day        string // empty for single-date events
	Quantity   int
	UnitAmount int64 // minor units
	Currency   string
	ItemName   string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is the provider's reference to a started checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutStatus is the provider-side view used by the confirmation paths.
type CheckoutStatus struct {
	ID        string
	Paid      bool
	PaymentID string // the captured payment, target of refunds
	Metadata  map[string]string
}

// WebhookEvent is a verified inbound provider notification.
type WebhookEvent struct {
	Type              string
	CheckoutSessionID string
}

// Provider is implemented by every payment backend.
type Provider interface {
	Kind() Kind
	CreateCheckout(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	GetCheckout(ctx context.Context, id string) (CheckoutStatus, error)
	Refund(ctx context.Context, paymentID string) error
	IsRefunded(ctx context.Context, paymentID string) (bool, error)
	VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error)
}

// New dispatches over the closed set of backends.
func New(kind Kind, cfg Config) (Provider, error) {
	switch kind {
	case KindStripe:
		return NewStripe(cfg)
	case KindFake:
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("payment: unknown provider kind %q", kind)
	}
}

// Config carries backend credentials.
type Config struct {
	APIKey        string
	WebhookSecret string
}
