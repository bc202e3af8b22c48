package registration

import (
	"context"
	"time"
)

// Store is the persistence contract the engine runs on. Capacity enforcement
// and payment deduplication live here, inside transactions: an Attendee
// passed to InsertAttendee or FinalizePayment is committed only if the
// capacity rule holds at commit time.
type Store interface {
	CreateEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context) ([]*Event, error)

	// InsertAttendee commits att atomically under the capacity rule: the sum
	// of non-refunded quantities for the event (and day, if set) plus
	// att.Quantity must not exceed capacity. Returns ErrCapacityExceeded
	// otherwise, committing nothing.
	InsertAttendee(ctx context.Context, att *Attendee, capacity int) error

	GetAttendee(ctx context.Context, id string) (*Attendee, error)
	ListAttendees(ctx context.Context, eventID, day string) ([]*Attendee, error)

	// CommittedQuantity reports the non-refunded quantity already committed
	// for the event (and day, if set). Advisory only: the figure may be stale
	// by the time a caller acts on it.
	CommittedQuantity(ctx context.Context, eventID, day string) (int, error)

	SetCheckedIn(ctx context.Context, attendeeID string, checkedIn bool) error
	MarkRefunded(ctx context.Context, attendeeID string) error

	// ReservePayment records a ledger row with no attendee reference for a
	// newly created checkout session. Idempotent: an existing row is left
	// untouched.
	ReservePayment(ctx context.Context, checkoutSessionID string) error

	// FinalizePayment resolves a checkout session to exactly one attendee,
	// whichever confirmation path arrives first. If a committed attendee
	// already exists for the session it is returned with created=false and
	// att is discarded. Otherwise att is committed under the capacity rule
	// (ErrCapacityExceeded aborts everything, including the claim) and the
	// ledger row is filled, returning created=true. Concurrent calls for the
	// same session serialize; the loser observes the winner's attendee.
	FinalizePayment(ctx context.Context, checkoutSessionID string, att *Attendee, capacity int) (committed *Attendee, created bool, err error)

	// SweepStalePayments deletes ledger rows with no attendee reference older
	// than cutoff and reports how many were removed. Rows referencing an
	// attendee are never touched.
	SweepStalePayments(ctx context.Context, cutoff time.Time) (int, error)
}
