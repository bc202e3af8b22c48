package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tessera-tickets/tessera/internal/keyring"
	"github.com/tessera-tickets/tessera/internal/payment"
)

func newTestEngine(t *testing.T) (*Engine, *MemStore, *payment.Fake, *keyring.PrivateKeyHandle) {
	t.Helper()
	pub, priv, err := keyring.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	handle, err := keyring.NewPrivateKeyHandleForTests(priv)
	if err != nil {
		t.Fatalf("private key handle: %v", err)
	}
	store := NewMemStore()
	provider := payment.NewFake()
	eng := NewEngine(store, provider, keyring.KeyContext{PublicKey: pub, Version: 1}, []byte("return-secret"))
	return eng, store, provider, handle
}

func mustCreateEvent(t *testing.T, eng *Engine, ev *Event) *Event {
	t.Helper()
	if err := eng.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ev
}

func TestRegisterFreeEncryptsFields(t *testing.T) {
	eng, store, _, handle := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Meetup", Kind: KindSingle, Capacity: 10})

	att, err := eng.RegisterFree(ctx, CreateParams{
		EventID:  ev.ID,
		Fields:   map[string]string{"name": "Alice", "email": "alice@example.com"},
		Quantity: 2,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	stored, err := store.GetAttendee(ctx, att.ID)
	if err != nil {
		t.Fatalf("get attendee: %v", err)
	}
	if string(stored.Fields["name"]) == "Alice" {
		t.Fatal("personal data stored in the clear")
	}
	got, err := handle.DecryptPersonalData(stored.Fields["name"])
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "Alice" {
		t.Fatalf("decrypted name = %q, want Alice", got)
	}
}

func TestRegisterFreeRejectsPaidEvent(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ev := mustCreateEvent(t, eng, &Event{Name: "Conf", Kind: KindSingle, Capacity: 10, PriceAmount: 2500, Currency: "eur"})

	_, err := eng.RegisterFree(context.Background(), CreateParams{
		EventID:  ev.ID,
		Fields:   map[string]string{"name": "Bob"},
		Quantity: 1,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestCapacityExceededCommitsNothing(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Small", Kind: KindSingle, Capacity: 3})

	if _, err := eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Fields: map[string]string{"name": "A"}, Quantity: 2}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Fields: map[string]string{"name": "B"}, Quantity: 2})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	committed, _ := store.CommittedQuantity(ctx, ev.ID, "")
	if committed != 2 {
		t.Fatalf("committed = %d, want 2", committed)
	}
}

// Capacity must hold under concurrency: C spots, many more concurrent
// attempts, never more than C committed.
func TestConcurrentRegistrationsNeverOversell(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	const capacity = 10
	const attempts = 50
	ev := mustCreateEvent(t, eng, &Event{Name: "Race", Kind: KindSingle, Capacity: capacity})

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.RegisterFree(ctx, CreateParams{
				EventID:  ev.ID,
				Fields:   map[string]string{"name": "x"},
				Quantity: 1,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, ErrCapacityExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != capacity {
		t.Fatalf("successes = %d, want %d", successes, capacity)
	}
	committed, _ := store.CommittedQuantity(ctx, ev.ID, "")
	if committed != capacity {
		t.Fatalf("committed = %d, want %d", committed, capacity)
	}
}

func TestDailyEventCapacityIsPerDay(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Festival", Kind: KindDaily, Capacity: 1})

	if _, err := eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Day: "2026-09-01", Fields: map[string]string{"name": "A"}, Quantity: 1}); err != nil {
		t.Fatalf("day one: %v", err)
	}
	if _, err := eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Day: "2026-09-02", Fields: map[string]string{"name": "B"}, Quantity: 1}); err != nil {
		t.Fatalf("day two: %v", err)
	}
	_, err := eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Day: "2026-09-01", Fields: map[string]string{"name": "C"}, Quantity: 1})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	_, err = eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Fields: map[string]string{"name": "D"}, Quantity: 1})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing day: err = %v, want ErrInvalidRequest", err)
	}
}

func startPaidCheckout(t *testing.T, eng *Engine, provider *payment.Fake, eventID string, fields map[string]string, qty int) *Checkout {
	t.Helper()
	co, err := eng.StartCheckout(context.Background(), CreateParams{
		EventID:  eventID,
		Fields:   fields,
		Quantity: qty,
	}, "https://tickets.example.test/done", "https://tickets.example.test/cancel")
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	provider.MarkPaid(co.SessionID)
	return co
}

func TestFinalizeCheckoutCreatesAttendeeOnce(t *testing.T) {
	eng, _, provider, handle := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Conf", Kind: KindSingle, Capacity: 5, PriceAmount: 4000, Currency: "eur"})

	co := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Carol"}, 1)

	// Redirect and webhook both confirm the same session.
	first, err := eng.FinalizeFromRedirect(ctx, co.ReturnToken)
	if err != nil {
		t.Fatalf("redirect finalize: %v", err)
	}
	second, err := eng.FinalizeCheckout(ctx, co.SessionID)
	if err != nil {
		t.Fatalf("webhook finalize: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("two attendees created: %s and %s", first.ID, second.ID)
	}
	atts, err := eng.ListAttendees(ctx, ev.ID, "", handle)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("attendees = %d, want 1", len(atts))
	}
	if atts[0].Plain["name"] != "Carol" {
		t.Fatalf("name = %q, want Carol", atts[0].Plain["name"])
	}
	if atts[0].PaymentID != provider.PaymentIDFor(co.SessionID) {
		t.Fatal("payment id not recorded on the attendee")
	}
}

func TestConcurrentFinalizeIsDeduplicated(t *testing.T) {
	eng, _, provider, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Conf", Kind: KindSingle, Capacity: 5, PriceAmount: 4000, Currency: "eur"})
	co := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Dave"}, 1)

	const racers = 8
	results := make(chan string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			att, err := eng.FinalizeCheckout(ctx, co.SessionID)
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			results <- att.ID
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for id := range results {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("distinct attendee ids = %d, want 1", len(seen))
	}
}

func TestFinalizeUnpaidCheckoutRejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Conf", Kind: KindSingle, Capacity: 5, PriceAmount: 4000, Currency: "eur"})

	co, err := eng.StartCheckout(ctx, CreateParams{
		EventID:  ev.ID,
		Fields:   map[string]string{"name": "Eve"},
		Quantity: 1,
	}, "https://t.example/done", "https://t.example/cancel")
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	// Not marked paid.
	_, err = eng.FinalizeCheckout(ctx, co.SessionID)
	if !errors.Is(err, ErrPaymentVerification) {
		t.Fatalf("err = %v, want ErrPaymentVerification", err)
	}
}

// The last spot goes to whoever pays and finalizes first; the loser's payment
// is refunded, exactly once, even when both confirmation paths retry.
func TestCapacityExceededAfterPaymentRefunds(t *testing.T) {
	eng, _, provider, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "LastSpot", Kind: KindSingle, Capacity: 1, PriceAmount: 1000, Currency: "eur"})

	alice := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Alice"}, 1)
	bob := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Bob"}, 1)

	if _, err := eng.FinalizeCheckout(ctx, alice.SessionID); err != nil {
		t.Fatalf("alice finalize: %v", err)
	}
	_, err := eng.FinalizeCheckout(ctx, bob.SessionID)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("bob err = %v, want ErrCapacityExceeded", err)
	}
	bobPayment := provider.PaymentIDFor(bob.SessionID)
	if provider.RefundCount(bobPayment) != 1 {
		t.Fatalf("bob refunds = %d, want 1", provider.RefundCount(bobPayment))
	}

	// The other confirmation path arrives late and retries.
	_, err = eng.FinalizeFromRedirect(ctx, bob.ReturnToken)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("bob retry err = %v, want ErrCapacityExceeded", err)
	}
	if provider.RefundCount(bobPayment) != 1 {
		t.Fatalf("bob refunds after retry = %d, want 1", provider.RefundCount(bobPayment))
	}
	alicePayment := provider.PaymentIDFor(alice.SessionID)
	if provider.RefundCount(alicePayment) != 0 {
		t.Fatal("alice was refunded")
	}
}

func TestRefundedPaymentNeverFinalizes(t *testing.T) {
	eng, _, provider, handle := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "LastSpot", Kind: KindSingle, Capacity: 1, PriceAmount: 1000, Currency: "eur"})

	alice := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Alice"}, 1)
	bob := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Bob"}, 1)

	aliceAtt, err := eng.FinalizeCheckout(ctx, alice.SessionID)
	if err != nil {
		t.Fatalf("alice finalize: %v", err)
	}
	if _, err := eng.FinalizeCheckout(ctx, bob.SessionID); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("bob err = %v, want ErrCapacityExceeded", err)
	}
	bobPayment := provider.PaymentIDFor(bob.SessionID)
	if provider.RefundCount(bobPayment) != 1 {
		t.Fatalf("bob refunds = %d, want 1", provider.RefundCount(bobPayment))
	}

	// Alice cancels and frees the seat. Bob's refunded payment must stay
	// terminal when a late confirmation retries into the open capacity.
	if err := eng.RefundAttendee(ctx, aliceAtt.ID); err != nil {
		t.Fatalf("alice refund: %v", err)
	}
	if _, err := eng.FinalizeCheckout(ctx, bob.SessionID); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("bob retry err = %v, want ErrCapacityExceeded", err)
	}
	if _, err := eng.FinalizeFromRedirect(ctx, bob.ReturnToken); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("bob redirect retry err = %v, want ErrCapacityExceeded", err)
	}
	if provider.RefundCount(bobPayment) != 1 {
		t.Fatalf("bob refunds after retries = %d, want 1", provider.RefundCount(bobPayment))
	}
	atts, err := eng.ListAttendees(ctx, ev.ID, "", handle)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, a := range atts {
		if a.PaymentID == bobPayment {
			t.Fatal("attendee created for a refunded payment")
		}
	}
}

func TestCapacityFailureHidesRefundError(t *testing.T) {
	eng, _, provider, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "LastSpot", Kind: KindSingle, Capacity: 1, PriceAmount: 1000, Currency: "eur"})

	alice := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Alice"}, 1)
	bob := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Bob"}, 1)
	if _, err := eng.FinalizeCheckout(ctx, alice.SessionID); err != nil {
		t.Fatalf("alice finalize: %v", err)
	}

	provider.FailRefunds(payment.ErrRefund)
	_, err := eng.FinalizeCheckout(ctx, bob.SessionID)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("bob err = %v, want ErrCapacityExceeded", err)
	}
	// The refund failure is an operator incident; the caller-facing error
	// carries no provider detail.
	if err.Error() != ErrCapacityExceeded.Error() {
		t.Fatalf("err = %q, want %q", err, ErrCapacityExceeded)
	}
}

func TestRefundAttendeeFreesCapacity(t *testing.T) {
	eng, _, provider, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Conf", Kind: KindSingle, Capacity: 1, PriceAmount: 1000, Currency: "eur"})

	co := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Frank"}, 1)
	att, err := eng.FinalizeCheckout(ctx, co.SessionID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := eng.RefundAttendee(ctx, att.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	// Refunding again must not hit the provider a second time.
	if err := eng.RefundAttendee(ctx, att.ID); err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if n := provider.RefundCount(provider.PaymentIDFor(co.SessionID)); n != 1 {
		t.Fatalf("provider refunds = %d, want 1", n)
	}

	ok, err := eng.HasAvailableSpots(ctx, ev.ID, "", 1)
	if err != nil {
		t.Fatalf("spots: %v", err)
	}
	if !ok {
		t.Fatal("refunded spot not freed")
	}
}

func TestRefundAllCountsFailures(t *testing.T) {
	eng, _, provider, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Cancelled", Kind: KindSingle, Capacity: 10, PriceAmount: 1000, Currency: "eur"})

	var payments []string
	for _, name := range []string{"A", "B", "C"} {
		co := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": name}, 1)
		if _, err := eng.FinalizeCheckout(ctx, co.SessionID); err != nil {
			t.Fatalf("finalize %s: %v", name, err)
		}
		payments = append(payments, provider.PaymentIDFor(co.SessionID))
	}

	ok, failed, err := eng.RefundAll(ctx, ev.ID, "")
	if err != nil {
		t.Fatalf("refund all: %v", err)
	}
	if ok != 3 || failed != 0 {
		t.Fatalf("refund all = (%d ok, %d failed), want (3, 0)", ok, failed)
	}
	for _, p := range payments {
		if provider.RefundCount(p) != 1 {
			t.Fatalf("payment %s refunds = %d, want 1", p, provider.RefundCount(p))
		}
	}

	// Re-running is a no-op: everything is already refunded.
	ok, failed, err = eng.RefundAll(ctx, ev.ID, "")
	if err != nil {
		t.Fatalf("refund all again: %v", err)
	}
	if ok != 0 || failed != 0 {
		t.Fatalf("second run = (%d ok, %d failed), want (0, 0)", ok, failed)
	}
}

func TestRefundAllSurvivesProviderFailures(t *testing.T) {
	eng, _, provider, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Cancelled", Kind: KindSingle, Capacity: 10, PriceAmount: 1000, Currency: "eur"})

	for _, name := range []string{"A", "B"} {
		co := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": name}, 1)
		if _, err := eng.FinalizeCheckout(ctx, co.SessionID); err != nil {
			t.Fatalf("finalize %s: %v", name, err)
		}
	}
	provider.FailRefunds(payment.ErrRefund)

	ok, failed, err := eng.RefundAll(ctx, ev.ID, "")
	if err != nil {
		t.Fatalf("refund all: %v", err)
	}
	if ok != 0 || failed != 2 {
		t.Fatalf("refund all = (%d ok, %d failed), want (0, 2)", ok, failed)
	}
}

func TestSweepRemovesOnlyStaleAttendeelessRows(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	pub, _, err := keyring.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	store := NewMemStore()
	provider := payment.NewFake()
	eng := NewEngine(store, provider, keyring.KeyContext{PublicKey: pub, Version: 1}, []byte("s"), WithClock(clock))
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Conf", Kind: KindSingle, Capacity: 5, PriceAmount: 1000, Currency: "eur"})

	startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Gone"}, 1) // never finalized
	finished := startPaidCheckout(t, eng, provider, ev.ID, map[string]string{"name": "Here"}, 1)
	if _, err := eng.FinalizeCheckout(ctx, finished.SessionID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// Within the window nothing is swept.
	n, err := eng.SweepStalePayments(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d rows inside the window", n)
	}

	now = now.Add(StaleAfter + time.Minute)
	n, err = eng.SweepStalePayments(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1 (only the abandoned row)", n)
	}
	if store.PaymentRecordCount() != 1 {
		t.Fatalf("records left = %d, want 1", store.PaymentRecordCount())
	}
}

func TestListAttendeesRequiresWorkingHandle(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Meetup", Kind: KindSingle, Capacity: 5})
	if _, err := eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Fields: map[string]string{"name": "H"}, Quantity: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, wrongPriv, err := keyring.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	wrong, err := keyring.NewPrivateKeyHandleForTests(wrongPriv)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := eng.ListAttendees(ctx, ev.ID, "", wrong); !errors.Is(err, keyring.ErrKeyAccess) {
		t.Fatalf("err = %v, want ErrKeyAccess", err)
	}
}

func TestCheckIn(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	ev := mustCreateEvent(t, eng, &Event{Name: "Meetup", Kind: KindSingle, Capacity: 5})
	att, err := eng.RegisterFree(ctx, CreateParams{EventID: ev.ID, Fields: map[string]string{"name": "I"}, Quantity: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := eng.SetCheckedIn(ctx, att.ID, true); err != nil {
		t.Fatalf("check in: %v", err)
	}
	got, err := store.GetAttendee(ctx, att.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CheckedIn {
		t.Fatal("attendee not checked in")
	}
	if err := eng.SetCheckedIn(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
