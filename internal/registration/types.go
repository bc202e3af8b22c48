// Package registration implements atomic, capacity-checked attendee creation
// and the idempotency ledger that deduplicates the two payment-confirmation
// paths. The relational datastore is the only synchronization point: no
// in-process lock is sufficient once multiple processes exist.
package registration

import (
	"errors"
	"time"
)

// EventKind distinguishes one-off events from daily events with a per-date
// capacity ceiling.
type EventKind string

const (
	KindSingle EventKind = "single"
	KindDaily  EventKind = "daily"
)

// Event is the capacity authority consumed by the engine. For daily events
// Capacity applies per date.
type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        EventKind `json:"kind"`
	Capacity    int       `json:"capacity"`
	PriceAmount int64     `json:"price_amount"` // minor units; 0 means free
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
}

// Paid reports whether registrations for this event require a checkout.
func (e *Event) Paid() bool { return e.PriceAmount > 0 }

// Attendee is one committed registration. Personal-data fields are encrypted
// for the system public key before the row is written; a row with some fields
// encrypted and others missing can never be committed.
type Attendee struct {
	ID        string            `json:"id"`
	EventID   string            `json:"event_id"`
	Day       string            `json:"day,omitempty"` // YYYY-MM-DD, daily events only
	Fields    map[string][]byte `json:"fields"`        // field name -> ciphertext
	PaymentID string            `json:"payment_id,omitempty"`
	Refunded  bool              `json:"refunded"`
	CheckedIn bool              `json:"checked_in"`
	Quantity  int               `json:"quantity"`
	CreatedAt time.Time         `json:"created_at"`
}

// PaymentRecord is one row of the idempotency ledger: at most one exists per
// checkout session. AttendeeID is empty while a payment is in flight and
// filled once an attendee is committed.
type PaymentRecord struct {
	CheckoutSessionID string
	AttendeeID        string
	ProcessedAt       time.Time
}

// StaleAfter is how long an attendee-less ledger row may linger before the
// sweeper removes it. Rows referencing a committed attendee are never swept.
const StaleAfter = 5 * time.Minute

var (
	// ErrCapacityExceeded is the authoritative rejection: committing the
	// requested quantity would exceed the event's (or date's) ceiling.
	ErrCapacityExceeded = errors.New("registration: capacity exceeded")

	// ErrEncryption indicates missing or invalid key material during the
	// write. The whole operation aborts; nothing is committed.
	ErrEncryption = errors.New("registration: encryption failed")

	// ErrPaymentVerification indicates an unpaid checkout or metadata missing
	// the fields a registration needs.
	ErrPaymentVerification = errors.New("registration: payment verification failed")

	ErrNotFound       = errors.New("registration: not found")
	ErrInvalidRequest = errors.New("registration: invalid request")
)
