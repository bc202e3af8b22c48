package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tessera-tickets/tessera/internal/accounts"
	"github.com/tessera-tickets/tessera/internal/keyring"
	"github.com/tessera-tickets/tessera/internal/payment"
	"github.com/tessera-tickets/tessera/internal/registration"
)

type testEnv struct {
	api      *API
	handler  http.Handler
	accounts *accounts.Service
	provider *payment.Fake
	cookie   *http.Cookie
	csrf     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	envSecret := []byte("test-environment-secret")
	acctStore := accounts.NewMemStore()
	svc := accounts.NewService(acctStore, envSecret, keyring.NewResolver(envSecret))
	if err := svc.Bootstrap(context.Background(), "owner", "owner-password-1"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ks, err := svc.KeyState(context.Background())
	if err != nil {
		t.Fatalf("key state: %v", err)
	}

	provider := payment.NewFake()
	engine := registration.NewEngine(
		registration.NewMemStore(),
		provider,
		keyring.KeyContext{PublicKey: ks.PublicKey, Version: ks.Version},
		[]byte("return-secret"),
	)
	api := New(Config{
		Accounts: svc,
		Engine:   engine,
		Provider: provider,
		Version:  "test",
	})
	return &testEnv{
		api:      api,
		handler:  api.Handler(),
		accounts: svc,
		provider: provider,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		if e.cookie == nil {
			t.Fatal("test not logged in")
		}
		req.AddCookie(e.cookie)
		req.Header.Set(csrfHeader, e.csrf)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username, password string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/admin/login", loginRequest{Username: username, Password: password}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	res := rec.Result()
	for _, c := range res.Cookies() {
		if c.Name == sessionCookie {
			e.cookie = c
		}
	}
	if e.cookie == nil {
		t.Fatal("no session cookie set")
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	e.csrf = resp.CSRFToken
}

func (e *testEnv) createEvent(t *testing.T, ev registration.Event) registration.Event {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/admin/events", ev, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create event status = %d: %s", rec.Code, rec.Body.String())
	}
	var created registration.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return created
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/admin/users", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMutatingAdminRoutesRequireCSRF(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "owner", "owner-password-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/events",
		bytes.NewBufferString(`{"name":"X","kind":"single","capacity":5}`))
	req.AddCookie(env.cookie)
	// No CSRF header.
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestFreeRegistrationFlow(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "owner", "owner-password-1")
	ev := env.createEvent(t, registration.Event{Name: "Meetup", Kind: registration.KindSingle, Capacity: 2})

	rec := env.do(t, http.MethodPost, "/v1/events/"+ev.ID+"/register", registerRequest{
		Quantity: 1,
		Fields:   map[string]string{"name": "Alice", "email": "alice@example.com"},
	}, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}
	var att attendeeView
	if err := json.Unmarshal(rec.Body.Bytes(), &att); err != nil {
		t.Fatalf("decode attendee: %v", err)
	}
	if att.EventID != ev.ID {
		t.Fatalf("event id = %s, want %s", att.EventID, ev.ID)
	}

	// Capacity enforced over HTTP too.
	env.do(t, http.MethodPost, "/v1/events/"+ev.ID+"/register", registerRequest{
		Quantity: 1, Fields: map[string]string{"name": "Bob"},
	}, false)
	rec = env.do(t, http.MethodPost, "/v1/events/"+ev.ID+"/register", registerRequest{
		Quantity: 1, Fields: map[string]string{"name": "Carol"},
	}, false)
	if rec.Code != http.StatusConflict {
		t.Fatalf("over-capacity status = %d, want 409", rec.Code)
	}

	// Admin sees decrypted personal data.
	rec = env.do(t, http.MethodGet, "/v1/admin/events/"+ev.ID+"/attendees", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Items []struct {
			ID     string            `json:"id"`
			Fields map[string]string `json:"fields"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Items) != 2 {
		t.Fatalf("attendees = %d, want 2", len(listed.Items))
	}
	names := map[string]bool{}
	for _, item := range listed.Items {
		names[item.Fields["name"]] = true
	}
	if !names["Alice"] || !names["Bob"] {
		t.Fatalf("decrypted names missing: %v", names)
	}
}

func TestPaidCheckoutAndWebhookFlow(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "owner", "owner-password-1")
	ev := env.createEvent(t, registration.Event{
		Name: "Conf", Kind: registration.KindSingle, Capacity: 5,
		PriceAmount: 2500, Currency: "eur",
	})

	rec := env.do(t, http.MethodPost, "/v1/events/"+ev.ID+"/checkout", checkoutRequest{
		Quantity:   1,
		Fields:     map[string]string{"name": "Dana"},
		SuccessURL: "https://front.example/success",
		CancelURL:  "https://front.example/cancel",
	}, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout status = %d: %s", rec.Code, rec.Body.String())
	}
	var co checkoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &co); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}
	env.provider.MarkPaid(co.SessionID)

	// Webhook path confirms first.
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment",
		bytes.NewBufferString(co.SessionID))
	req.Header.Set("X-Webhook-Signature", "fake")
	hookRec := httptest.NewRecorder()
	env.handler.ServeHTTP(hookRec, req)
	if hookRec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", hookRec.Code, hookRec.Body.String())
	}

	// Browser redirect arrives second and observes the same attendee.
	rec = env.do(t, http.MethodGet, "/v1/checkout/return?token="+co.ReturnToken, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("return status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/admin/events/"+ev.ID+"/attendees", nil, true)
	var listed struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Items) != 1 {
		t.Fatalf("attendees = %d, want exactly 1", len(listed.Items))
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment",
		bytes.NewBufferString("cs_whatever"))
	req.Header.Set("X-Webhook-Signature", "wrong")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookAcknowledgesBusinessFailure(t *testing.T) {
	env := newTestEnv(t)
	// Verified signature but unknown session: retrying cannot help, so the
	// provider gets a 200.
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment",
		bytes.NewBufferString("cs_unknown"))
	req.Header.Set("X-Webhook-Signature", "fake")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestInviteActivateLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "owner", "owner-password-1")

	rec := env.do(t, http.MethodPost, "/v1/admin/users", inviteRequest{Username: "second"}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("invite status = %d: %s", rec.Code, rec.Body.String())
	}
	var invited struct {
		InviteCode string `json:"invite_code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &invited); err != nil {
		t.Fatalf("decode invite: %v", err)
	}

	rec = env.do(t, http.MethodPost, "/v1/admin/password", setPasswordRequest{
		InviteCode: invited.InviteCode,
		Password:   "second-password-1",
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("set password status = %d: %s", rec.Code, rec.Body.String())
	}

	// Not activated yet: login refused.
	loginRec := env.do(t, http.MethodPost, "/v1/admin/login", loginRequest{
		Username: "second", Password: "second-password-1",
	}, false)
	if loginRec.Code != http.StatusConflict {
		t.Fatalf("pre-activation login status = %d, want 409", loginRec.Code)
	}

	// Find the new user's id and activate.
	rec = env.do(t, http.MethodGet, "/v1/admin/users", nil, true)
	var users struct {
		Items []userView `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	var targetID string
	for _, u := range users.Items {
		if u.Username == "second" {
			targetID = u.ID
		}
	}
	if targetID == "" {
		t.Fatal("invited user not listed")
	}
	rec = env.do(t, http.MethodPost, "/v1/admin/users/"+targetID+"/activate", struct{}{}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d: %s", rec.Code, rec.Body.String())
	}

	second := newClientOf(env)
	second.login(t, "second", "second-password-1")
	rec = second.do(t, http.MethodGet, "/v1/admin/users", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("second admin list status = %d: %s", rec.Code, rec.Body.String())
	}
}

// newClientOf shares the server but tracks a separate session.
func newClientOf(env *testEnv) *testEnv {
	return &testEnv{
		api:      env.api,
		handler:  env.handler,
		accounts: env.accounts,
		provider: env.provider,
	}
}

func TestRefundAllRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "owner", "owner-password-1")
	ev := env.createEvent(t, registration.Event{
		Name: "Conf", Kind: registration.KindSingle, Capacity: 5,
		PriceAmount: 1000, Currency: "eur",
	})

	// Onboard a plain admin.
	rec := env.do(t, http.MethodPost, "/v1/admin/users", inviteRequest{Username: "staff"}, true)
	var invited struct {
		InviteCode string `json:"invite_code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &invited); err != nil {
		t.Fatalf("decode invite: %v", err)
	}
	env.do(t, http.MethodPost, "/v1/admin/password", setPasswordRequest{
		InviteCode: invited.InviteCode, Password: "staff-password-1",
	}, false)
	rec = env.do(t, http.MethodGet, "/v1/admin/users", nil, true)
	var users struct {
		Items []userView `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	for _, u := range users.Items {
		if u.Username == "staff" {
			env.do(t, http.MethodPost, "/v1/admin/users/"+u.ID+"/activate", struct{}{}, true)
		}
	}

	staff := newClientOf(env)
	staff.login(t, "staff", "staff-password-1")
	rec = staff.do(t, http.MethodPost, "/v1/admin/events/"+ev.ID+"/refund-all", struct{}{}, true)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("staff refund-all status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/admin/events/"+ev.ID+"/refund-all", struct{}{}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner refund-all status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogoutRevokesAdminAccess(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "owner", "owner-password-1")

	rec := env.do(t, http.MethodPost, "/v1/admin/logout", struct{}{}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/v1/admin/users", nil, true)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout status = %d, want 401", rec.Code)
	}
}
