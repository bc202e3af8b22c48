package registration

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/tessera-tickets/tessera/internal/obs"
	"github.com/tessera-tickets/tessera/internal/payment"
)

// defaultRefundRate paces bulk refunds so a cancellation of a large event
// does not hammer the provider API.
const defaultRefundRate = 2 // refunds per second

// Refunder issues refunds with provider-side deduplication: a payment already
// refunded at the provider is treated as success, so retried compensations
// never refund twice.
type Refunder struct {
	provider payment.Provider
	limiter  *rate.Limiter
}

func NewRefunder(provider payment.Provider, perSecond float64) *Refunder {
	return &Refunder{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// RefundPayment refunds one payment. A failure is an operator incident: the
// money is captured and no registration exists, so it is logged with enough
// context to act on manually.
func (r *Refunder) RefundPayment(ctx context.Context, paymentID string) error {
	refunded, err := r.provider.IsRefunded(ctx, paymentID)
	if err == nil && refunded {
		return nil
	}
	if err := r.provider.Refund(ctx, paymentID); err != nil {
		obs.RefundsFailed.Inc()
		obs.LogIncident("refund_failed", map[string]any{
			"payment_id": paymentID,
			"error":      err.Error(),
		})
		return err
	}
	obs.RefundsIssued.Inc()
	return nil
}

// WaitRefund blocks for a limiter slot before refunding. Used by bulk
// compensation loops.
func (r *Refunder) WaitRefund(ctx context.Context, paymentID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.RefundPayment(ctx, paymentID)
}
