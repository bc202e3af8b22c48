// Package pg is the Postgres-backed registration store. Capacity enforcement
// and payment deduplication happen inside transactions with explicit row
// locks on the event and the payment ledger row; the database is the only
// arbiter once several API processes run.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tessera-tickets/tessera/internal/registration"
)

type Store struct {
	db *sql.DB
}

var _ registration.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests and by callers sharing a
// pool with the accounts store.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateEvent(ctx context.Context, ev *registration.Event) error {
	_, err := s.db.ExecContext(ctx, `
		insert into events(id, name, kind, capacity, price_amount, currency, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, ev.ID, ev.Name, string(ev.Kind), ev.Capacity, ev.PriceAmount, ev.Currency, ev.CreatedAt)
	return err
}

const eventColumns = `id, name, kind, capacity, price_amount, currency, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*registration.Event, error) {
	var ev registration.Event
	var kind string
	err := row.Scan(&ev.ID, &ev.Name, &kind, &ev.Capacity, &ev.PriceAmount, &ev.Currency, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registration.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Kind = registration.EventKind(kind)
	return &ev, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*registration.Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx, `select `+eventColumns+` from events where id=$1`, id))
}

func (s *Store) ListEvents(ctx context.Context) ([]*registration.Event, error) {
	rows, err := s.db.QueryContext(ctx, `select `+eventColumns+` from events order by created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*registration.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const attendeeColumns = `id, event_id, coalesce(day,''), fields, coalesce(payment_id,''), refunded, checked_in, quantity, created_at`

func scanAttendee(row interface{ Scan(...any) error }) (*registration.Attendee, error) {
	var att registration.Attendee
	var fields []byte
	err := row.Scan(&att.ID, &att.EventID, &att.Day, &fields, &att.PaymentID,
		&att.Refunded, &att.CheckedIn, &att.Quantity, &att.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registration.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &att.Fields); err != nil {
		return nil, err
	}
	return &att, nil
}

// insertAttendeeTx runs the conditional insert. The caller must already hold
// the event row lock; the committed-quantity check is then race free.
func insertAttendeeTx(ctx context.Context, tx *sql.Tx, att *registration.Attendee, capacity int) error {
	fields, err := json.Marshal(att.Fields)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		insert into attendees(id, event_id, day, fields, payment_id, refunded, checked_in, quantity, created_at)
		select $1, $2, nullif($3,''), $4::jsonb, nullif($5,''), false, false, $6, $7
		where coalesce((
			select sum(quantity) from attendees
			where event_id=$2 and day is not distinct from nullif($3,'') and not refunded
		), 0) + $6 <= $8
	`, att.ID, att.EventID, att.Day, fields, att.PaymentID, att.Quantity, att.CreatedAt, capacity)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registration.ErrCapacityExceeded
	}
	return nil
}

// lockEvent serializes writers for one event.
func lockEvent(ctx context.Context, tx *sql.Tx, eventID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `select 1 from events where id=$1 for update`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return registration.ErrNotFound
	}
	return err
}

func (s *Store) InsertAttendee(ctx context.Context, att *registration.Attendee, capacity int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockEvent(ctx, tx, att.EventID); err != nil {
		return err
	}
	if err := insertAttendeeTx(ctx, tx, att, capacity); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAttendee(ctx context.Context, id string) (*registration.Attendee, error) {
	return scanAttendee(s.db.QueryRowContext(ctx, `select `+attendeeColumns+` from attendees where id=$1`, id))
}

func (s *Store) ListAttendees(ctx context.Context, eventID, day string) ([]*registration.Attendee, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+attendeeColumns+` from attendees
		where event_id=$1 and ($2 = '' or day is not distinct from nullif($2,''))
		order by created_at, id
	`, eventID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*registration.Attendee
	for rows.Next() {
		att, err := scanAttendee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func (s *Store) CommittedQuantity(ctx context.Context, eventID, day string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(quantity), 0) from attendees
		where event_id=$1 and day is not distinct from nullif($2,'') and not refunded
	`, eventID, day).Scan(&total)
	return total, err
}

func (s *Store) SetCheckedIn(ctx context.Context, attendeeID string, checkedIn bool) error {
	return s.execOne(ctx, `update attendees set checked_in=$2 where id=$1`, attendeeID, checkedIn)
}

func (s *Store) MarkRefunded(ctx context.Context, attendeeID string) error {
	return s.execOne(ctx, `update attendees set refunded=true where id=$1`, attendeeID)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registration.ErrNotFound
	}
	return nil
}

func (s *Store) ReservePayment(ctx context.Context, checkoutSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into processed_payments(checkout_session_id, processed_at)
		values ($1, now()) on conflict (checkout_session_id) do nothing
	`, checkoutSessionID)
	return err
}

func (s *Store) FinalizePayment(ctx context.Context, checkoutSessionID string, att *registration.Attendee, capacity int) (*registration.Attendee, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Claim the ledger row. A concurrent finalize for the same session blocks
	// on the row lock until the winner commits, then observes its attendee.
	if _, err := tx.ExecContext(ctx, `
		insert into processed_payments(checkout_session_id, processed_at)
		values ($1, now()) on conflict (checkout_session_id) do nothing
	`, checkoutSessionID); err != nil {
		return nil, false, err
	}
	var attendeeID sql.NullString
	if err := tx.QueryRowContext(ctx, `
		select attendee_id from processed_payments where checkout_session_id=$1 for update
	`, checkoutSessionID).Scan(&attendeeID); err != nil {
		return nil, false, err
	}
	if attendeeID.Valid {
		existing, err := scanAttendee(tx.QueryRowContext(ctx,
			`select `+attendeeColumns+` from attendees where id=$1`, attendeeID.String))
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := lockEvent(ctx, tx, att.EventID); err != nil {
		return nil, false, err
	}
	if err := insertAttendeeTx(ctx, tx, att, capacity); err != nil {
		// Rolls back the claim too: a failed finalize leaves no trace and a
		// retry starts clean.
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
		update processed_payments set attendee_id=$2, processed_at=now()
		where checkout_session_id=$1
	`, checkoutSessionID, att.ID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return att, true, nil
}

func (s *Store) SweepStalePayments(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from processed_payments where attendee_id is null and processed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
