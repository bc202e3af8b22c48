package registration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tessera-tickets/tessera/internal/ids"
	"github.com/tessera-tickets/tessera/internal/keyring"
	"github.com/tessera-tickets/tessera/internal/obs"
	"github.com/tessera-tickets/tessera/internal/payment"
)

// metadata keys carried on a checkout session. Personal-data fields travel
// under a prefix so the confirmation paths can rebuild the attendee from the
// provider's copy alone.
const (
	metaEventID  = "event_id"
	metaDay      = "day"
	metaQuantity = "quantity"
	fieldPrefix  = "pf_"
)

const returnTokenTTL = time.Hour

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Engine ties together capacity-checked attendee creation, personal-data
// encryption and the payment confirmation paths. It holds the system public
// key only; decryption happens against an explicitly passed handle.
type Engine struct {
	store    Store
	provider payment.Provider
	refunder *Refunder
	keys     keyring.KeyContext

	returnSecret []byte
	now          func() time.Time
}

type EngineOption func(*Engine)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine. returnSecret signs the short-lived tokens that
// bind a browser redirect back to its checkout session.
func NewEngine(store Store, provider payment.Provider, keys keyring.KeyContext, returnSecret []byte, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		provider:     provider,
		refunder:     NewRefunder(provider, defaultRefundRate),
		keys:         keys,
		returnSecret: returnSecret,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateParams describes one registration to commit.
type CreateParams struct {
	EventID   string
	Day       string
	Fields    map[string]string // plaintext personal data, encrypted before the write
	Quantity  int
	PaymentID string // empty for free registrations
}

func (e *Engine) CreateEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.Kind != KindSingle && ev.Kind != KindDaily {
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidRequest, ev.Kind)
	}
	if ev.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidRequest)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now().UTC()
	}
	return e.store.CreateEvent(ctx, ev)
}

func (e *Engine) GetEvent(ctx context.Context, id string) (*Event, error) {
	return e.store.GetEvent(ctx, id)
}

func (e *Engine) ListEvents(ctx context.Context) ([]*Event, error) {
	return e.store.ListEvents(ctx)
}

// validate checks params against the event and returns it.
func (e *Engine) validate(ctx context.Context, p CreateParams) (*Event, error) {
	ev, err := e.store.GetEvent(ctx, p.EventID)
	if err != nil {
		return nil, err
	}
	if p.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidRequest)
	}
	switch ev.Kind {
	case KindDaily:
		if !dayPattern.MatchString(p.Day) {
			return nil, fmt.Errorf("%w: daily event requires a day (YYYY-MM-DD)", ErrInvalidRequest)
		}
	default:
		if p.Day != "" {
			return nil, fmt.Errorf("%w: event has no per-day capacity", ErrInvalidRequest)
		}
	}
	if len(p.Fields) == 0 {
		return nil, fmt.Errorf("%w: at least one personal-data field required", ErrInvalidRequest)
	}
	return ev, nil
}

// buildAttendee encrypts every personal-data field for the system public key.
// Any failure aborts the whole registration; a partially encrypted record is
// never produced.
func (e *Engine) buildAttendee(p CreateParams) (*Attendee, error) {
	fields := make(map[string][]byte, len(p.Fields))
	for name, value := range p.Fields {
		ct, err := keyring.EncryptPersonalData(value, e.keys.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrEncryption, name, err)
		}
		fields[name] = ct
	}
	return &Attendee{
		ID:        ids.New(),
		EventID:   p.EventID,
		Day:       p.Day,
		Fields:    fields,
		PaymentID: p.PaymentID,
		Quantity:  p.Quantity,
		CreatedAt: e.now().UTC(),
	}, nil
}

// CreateAttendee commits one registration atomically under the capacity rule.
// Used directly for free events; paid flows go through FinalizeCheckout.
func (e *Engine) CreateAttendee(ctx context.Context, p CreateParams) (*Attendee, error) {
	ev, err := e.validate(ctx, p)
	if err != nil {
		return nil, err
	}
	att, err := e.buildAttendee(p)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertAttendee(ctx, att, ev.Capacity); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			obs.CapacityRejections.Inc()
		}
		return nil, err
	}
	kind := "free"
	if p.PaymentID != "" {
		kind = "paid"
	}
	obs.RegistrationsCreated.WithLabelValues(kind).Inc()
	return att, nil
}

// RegisterFree commits a registration for a free event. Paid events are
// rejected so the capacity gate cannot be bypassed without payment.
func (e *Engine) RegisterFree(ctx context.Context, p CreateParams) (*Attendee, error) {
	ev, err := e.store.GetEvent(ctx, p.EventID)
	if err != nil {
		return nil, err
	}
	if ev.Paid() {
		return nil, fmt.Errorf("%w: event requires payment", ErrInvalidRequest)
	}
	p.PaymentID = ""
	return e.CreateAttendee(ctx, p)
}

// HasAvailableSpots is the advisory pre-check used to fail fast before
// creating a checkout session. A true answer is not a reservation: the
// authoritative check happens at commit time.
func (e *Engine) HasAvailableSpots(ctx context.Context, eventID, day string, quantity int) (bool, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	committed, err := e.store.CommittedQuantity(ctx, eventID, day)
	if err != nil {
		return false, err
	}
	return committed+quantity <= ev.Capacity, nil
}

// Checkout is the started paid-registration flow handed back to the browser.
type Checkout struct {
	SessionID   string
	RedirectURL string
	ReturnToken string
}

// StartCheckout creates a provider checkout session carrying the registration
// as metadata, and records an attendee-less ledger row for it. The advisory
// capacity check keeps obviously doomed checkouts from being started.
func (e *Engine) StartCheckout(ctx context.Context, p CreateParams, successURL, cancelURL string) (*Checkout, error) {
	ev, err := e.validate(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ev.Paid() {
		return nil, fmt.Errorf("%w: event is free", ErrInvalidRequest)
	}
	ok, err := e.HasAvailableSpots(ctx, p.EventID, p.Day, p.Quantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		obs.CapacityRejections.Inc()
		return nil, ErrCapacityExceeded
	}

	meta := map[string]string{
		metaEventID:  p.EventID,
		metaQuantity: strconv.Itoa(p.Quantity),
	}
	if p.Day != "" {
		meta[metaDay] = p.Day
	}
	for name, value := range p.Fields {
		meta[fieldPrefix+name] = value
	}
	session, err := e.provider.CreateCheckout(ctx, payment.CheckoutParams{
		EventID:    p.EventID,
		Day:        p.Day,
		Quantity:   p.Quantity,
		UnitAmount: ev.PriceAmount,
		Currency:   ev.Currency,
		ItemName:   ev.Name,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.ReservePayment(ctx, session.ID); err != nil {
		return nil, err
	}
	token, err := payment.MintReturnToken(e.returnSecret, session.ID, p.EventID, returnTokenTTL)
	if err != nil {
		return nil, err
	}
	return &Checkout{SessionID: session.ID, RedirectURL: session.URL, ReturnToken: token}, nil
}

// FinalizeCheckout resolves a checkout session to exactly one attendee. Both
// confirmation paths (browser redirect and webhook) call it; whichever
// arrives first creates the record and the other observes it. If payment
// succeeded but capacity is exhausted by finalize time, the payment is
// refunded and ErrCapacityExceeded is returned.
func (e *Engine) FinalizeCheckout(ctx context.Context, checkoutSessionID string) (*Attendee, error) {
	// Best-effort cleanup of abandoned checkouts; a swept claim for this
	// session is recreated by the finalize transaction.
	_, _ = e.SweepStalePayments(ctx)

	status, err := e.provider.GetCheckout(ctx, checkoutSessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}
	if !status.Paid {
		return nil, fmt.Errorf("%w: checkout not paid", ErrPaymentVerification)
	}
	// A refunded payment is terminal. Without this check a compensated
	// capacity failure could turn into an attendee later, when a retried
	// confirmation finds capacity freed by another refund.
	refunded, err := e.provider.IsRefunded(ctx, status.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}
	if refunded {
		return nil, ErrCapacityExceeded
	}
	p, err := paramsFromMetadata(status.Metadata)
	if err != nil {
		return nil, err
	}
	p.PaymentID = status.PaymentID

	ev, err := e.validate(ctx, p)
	if err != nil {
		return nil, err
	}
	att, err := e.buildAttendee(p)
	if err != nil {
		return nil, err
	}
	committed, created, err := e.store.FinalizePayment(ctx, checkoutSessionID, att, ev.Capacity)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			obs.CapacityRejections.Inc()
			// Payment already captured; compensate before reporting failure.
			// A failed refund is an operator incident the refunder logs;
			// the caller sees only the capacity failure.
			_ = e.refunder.RefundPayment(ctx, status.PaymentID)
			return nil, ErrCapacityExceeded
		}
		return nil, err
	}
	if created {
		obs.RegistrationsCreated.WithLabelValues("paid").Inc()
	} else {
		obs.PaymentsDeduplicated.Inc()
	}
	return committed, nil
}

// FinalizeFromRedirect is the browser return path: a signed token is the only
// accepted proof that this redirect belongs to a checkout we started.
func (e *Engine) FinalizeFromRedirect(ctx context.Context, returnToken string) (*Attendee, error) {
	sessionID, _, err := payment.VerifyReturnToken(e.returnSecret, returnToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}
	return e.FinalizeCheckout(ctx, sessionID)
}

// paramsFromMetadata rebuilds registration parameters from the provider's
// copy of the checkout metadata.
func paramsFromMetadata(meta map[string]string) (CreateParams, error) {
	p := CreateParams{
		EventID: meta[metaEventID],
		Day:     meta[metaDay],
		Fields:  make(map[string]string),
	}
	if p.EventID == "" {
		return p, fmt.Errorf("%w: checkout metadata missing event", ErrPaymentVerification)
	}
	qty, err := strconv.Atoi(meta[metaQuantity])
	if err != nil || qty < 1 {
		return p, fmt.Errorf("%w: checkout metadata missing quantity", ErrPaymentVerification)
	}
	p.Quantity = qty
	for k, v := range meta {
		if len(k) > len(fieldPrefix) && k[:len(fieldPrefix)] == fieldPrefix {
			p.Fields[k[len(fieldPrefix):]] = v
		}
	}
	if len(p.Fields) == 0 {
		return p, fmt.Errorf("%w: checkout metadata missing personal data", ErrPaymentVerification)
	}
	return p, nil
}

// DecryptedAttendee is an attendee with personal-data fields opened through
// an authorized key handle.
type DecryptedAttendee struct {
	*Attendee
	Plain map[string]string
}

// ListAttendees returns attendees with personal data decrypted through the
// caller's private-key handle. Fields that fail to decrypt abort the listing;
// a handle either opens everything or nothing.
func (e *Engine) ListAttendees(ctx context.Context, eventID, day string, handle *keyring.PrivateKeyHandle) ([]*DecryptedAttendee, error) {
	atts, err := e.store.ListAttendees(ctx, eventID, day)
	if err != nil {
		return nil, err
	}
	out := make([]*DecryptedAttendee, 0, len(atts))
	for _, att := range atts {
		plain := make(map[string]string, len(att.Fields))
		for name, ct := range att.Fields {
			v, err := handle.DecryptPersonalData(ct)
			if err != nil {
				return nil, fmt.Errorf("%w: attendee %s field %s", keyring.ErrKeyAccess, att.ID, name)
			}
			plain[name] = v
		}
		out = append(out, &DecryptedAttendee{Attendee: att, Plain: plain})
	}
	return out, nil
}

func (e *Engine) SetCheckedIn(ctx context.Context, attendeeID string, checkedIn bool) error {
	return e.store.SetCheckedIn(ctx, attendeeID, checkedIn)
}

// RefundAttendee refunds one paid registration and marks the record, freeing
// its quantity for new registrations.
func (e *Engine) RefundAttendee(ctx context.Context, attendeeID string) error {
	att, err := e.store.GetAttendee(ctx, attendeeID)
	if err != nil {
		return err
	}
	if att.PaymentID == "" {
		return fmt.Errorf("%w: attendee has no payment", ErrInvalidRequest)
	}
	if !att.Refunded {
		if err := e.refunder.RefundPayment(ctx, att.PaymentID); err != nil {
			return err
		}
	}
	return e.store.MarkRefunded(ctx, attendeeID)
}

// RefundAll refunds every paid, not-yet-refunded attendee of an event (and
// day, if given) sequentially. Individual failures are logged and counted,
// never aborting the rest of the batch.
func (e *Engine) RefundAll(ctx context.Context, eventID, day string) (succeeded, failed int, err error) {
	atts, err := e.store.ListAttendees(ctx, eventID, day)
	if err != nil {
		return 0, 0, err
	}
	for _, att := range atts {
		if att.PaymentID == "" || att.Refunded {
			continue
		}
		if err := e.refunder.WaitRefund(ctx, att.PaymentID); err != nil {
			if ctx.Err() != nil {
				return succeeded, failed, ctx.Err()
			}
			failed++
			continue
		}
		if err := e.store.MarkRefunded(ctx, att.ID); err != nil {
			obs.LogIncident("refund_unrecorded", map[string]any{
				"attendee_id": att.ID,
				"payment_id":  att.PaymentID,
				"error":       err.Error(),
			})
			failed++
			continue
		}
		succeeded++
	}
	return succeeded, failed, nil
}

// SweepStalePayments removes attendee-less ledger rows older than the
// staleness window. Safe to run concurrently with live traffic.
func (e *Engine) SweepStalePayments(ctx context.Context) (int, error) {
	n, err := e.store.SweepStalePayments(ctx, e.now().Add(-StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.StalePaymentsSwept.Add(float64(n))
	}
	return n, nil
}
