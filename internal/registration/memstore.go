package registration

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and local development. The
// single mutex gives it the same serialization the SQL store gets from row
// locks, so the engine's concurrency semantics hold against it too.
type MemStore struct {
	mu        sync.Mutex
	events    map[string]*Event
	attendees map[string]*Attendee
	payments  map[string]*PaymentRecord
	now       func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		events:    make(map[string]*Event),
		attendees: make(map[string]*Attendee),
		payments:  make(map[string]*PaymentRecord),
		now:       time.Now,
	}
}

func cloneEvent(ev *Event) *Event {
	cp := *ev
	return &cp
}

func cloneAttendee(att *Attendee) *Attendee {
	cp := *att
	cp.Fields = make(map[string][]byte, len(att.Fields))
	for k, v := range att.Fields {
		cp.Fields[k] = append([]byte(nil), v...)
	}
	return &cp
}

func (s *MemStore) CreateEvent(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (s *MemStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *MemStore) ListEvents(ctx context.Context) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// committedLocked sums non-refunded quantities. Callers hold s.mu.
func (s *MemStore) committedLocked(eventID, day string) int {
	total := 0
	for _, att := range s.attendees {
		if att.EventID == eventID && att.Day == day && !att.Refunded {
			total += att.Quantity
		}
	}
	return total
}

func (s *MemStore) InsertAttendee(ctx context.Context, att *Attendee, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(att, capacity)
}

func (s *MemStore) insertLocked(att *Attendee, capacity int) error {
	if s.committedLocked(att.EventID, att.Day)+att.Quantity > capacity {
		return ErrCapacityExceeded
	}
	s.attendees[att.ID] = cloneAttendee(att)
	return nil
}

func (s *MemStore) GetAttendee(ctx context.Context, id string) (*Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attendees[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttendee(att), nil
}

func (s *MemStore) ListAttendees(ctx context.Context, eventID, day string) ([]*Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Attendee, 0)
	for _, att := range s.attendees {
		if att.EventID == eventID && (day == "" || att.Day == day) {
			out = append(out, cloneAttendee(att))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) CommittedQuantity(ctx context.Context, eventID, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedLocked(eventID, day), nil
}

func (s *MemStore) SetCheckedIn(ctx context.Context, attendeeID string, checkedIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attendees[attendeeID]
	if !ok {
		return ErrNotFound
	}
	att.CheckedIn = checkedIn
	return nil
}

func (s *MemStore) MarkRefunded(ctx context.Context, attendeeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attendees[attendeeID]
	if !ok {
		return ErrNotFound
	}
	att.Refunded = true
	return nil
}

func (s *MemStore) ReservePayment(ctx context.Context, checkoutSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[checkoutSessionID]; ok {
		return nil
	}
	s.payments[checkoutSessionID] = &PaymentRecord{
		CheckoutSessionID: checkoutSessionID,
		ProcessedAt:       s.now(),
	}
	return nil
}

func (s *MemStore) FinalizePayment(ctx context.Context, checkoutSessionID string, att *Attendee, capacity int) (*Attendee, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.payments[checkoutSessionID]; ok && rec.AttendeeID != "" {
		existing, found := s.attendees[rec.AttendeeID]
		if !found {
			return nil, false, ErrNotFound
		}
		return cloneAttendee(existing), false, nil
	}
	if err := s.insertLocked(att, capacity); err != nil {
		return nil, false, err
	}
	s.payments[checkoutSessionID] = &PaymentRecord{
		CheckoutSessionID: checkoutSessionID,
		AttendeeID:        att.ID,
		ProcessedAt:       s.now(),
	}
	return cloneAttendee(att), true, nil
}

func (s *MemStore) SweepStalePayments(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.payments {
		if rec.AttendeeID == "" && rec.ProcessedAt.Before(cutoff) {
			delete(s.payments, id)
			removed++
		}
	}
	return removed, nil
}

// PaymentRecordCount reports how many ledger rows exist. Test helper.
func (s *MemStore) PaymentRecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}
