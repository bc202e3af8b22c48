// Package httpapi is the HTTP layer: public registration and payment
// endpoints plus a session-authenticated admin surface.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tessera-tickets/tessera/internal/accounts"
	"github.com/tessera-tickets/tessera/internal/audit"
	"github.com/tessera-tickets/tessera/internal/keyring"
	"github.com/tessera-tickets/tessera/internal/obs"
	"github.com/tessera-tickets/tessera/internal/payment"
	"github.com/tessera-tickets/tessera/internal/registration"
)

// ReadyProbe checks backing-store readiness (e.g. ping the database).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the API's collaborators.
type Config struct {
	Accounts   *accounts.Service
	Engine     *registration.Engine
	Provider   payment.Provider
	ReadyProbe ReadyProbe
	Version    string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	accounts   *accounts.Service
	engine     *registration.Engine
	provider   payment.Provider
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		accounts:   cfg.Accounts,
		engine:     cfg.Engine,
		provider:   cfg.Provider,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// public registration surface
	a.mux.HandleFunc("/v1/events", a.handleEventsCollection)
	a.mux.HandleFunc("/v1/events/", a.handleEventResource)
	a.mux.HandleFunc("/v1/checkout/return", a.handleCheckoutReturn)
	a.mux.HandleFunc("/v1/webhooks/payment", a.handlePaymentWebhook)

	// admin surface; login and invite completion are the unauthenticated entry
	a.mux.HandleFunc("/v1/admin/login", a.handleAdminLogin)
	a.mux.HandleFunc("/v1/admin/password", a.handleSetPassword)
	a.mux.Handle("/v1/admin/logout", a.withSession(a.handleAdminLogout))
	a.mux.Handle("/v1/admin/password/change", a.withSession(a.handleChangePassword))
	a.mux.Handle("/v1/admin/users", a.withSession(a.handleUsersCollection))
	a.mux.Handle("/v1/admin/users/", a.withSession(a.handleUserResource))
	a.mux.Handle("/v1/admin/events", a.withSession(a.handleAdminEvents))
	a.mux.Handle("/v1/admin/events/", a.withSession(a.handleAdminEventResource))
	a.mux.Handle("/v1/admin/attendees/", a.withSession(a.handleAttendeeResource))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(RequestID(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tessera-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tessera-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps service errors onto HTTP status codes.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registration.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, registration.ErrCapacityExceeded):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, registration.ErrPaymentVerification):
		writeError(w, r, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, registration.ErrNotFound), errors.Is(err, accounts.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, accounts.ErrUnauthorized), errors.Is(err, keyring.ErrKeyAccess):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, accounts.ErrInviteInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, accounts.ErrPasswordNotSet), errors.Is(err, accounts.ErrAlreadyActive),
		errors.Is(err, accounts.ErrNotActivated), errors.Is(err, accounts.ErrSelfDelete):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
