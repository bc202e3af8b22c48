package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tessera-tickets/tessera/internal/obs"
	"github.com/tessera-tickets/tessera/internal/payment"
	"github.com/tessera-tickets/tessera/internal/registration"
)

type registerRequest struct {
	Day      string            `json:"day,omitempty"`
	Quantity int               `json:"quantity"`
	Fields   map[string]string `json:"fields"`
}

type checkoutRequest struct {
	Day        string            `json:"day,omitempty"`
	Quantity   int               `json:"quantity"`
	Fields     map[string]string `json:"fields"`
	SuccessURL string            `json:"success_url"`
	CancelURL  string            `json:"cancel_url"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
	ReturnToken string `json:"return_token"`
}

// attendeeView is the public shape of a committed registration. Personal data
// never appears here; it is encrypted at rest and only admins decrypt it.
type attendeeView struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Day       string `json:"day,omitempty"`
	Quantity  int    `json:"quantity"`
	Refunded  bool   `json:"refunded"`
	CheckedIn bool   `json:"checked_in"`
}

func viewOf(att *registration.Attendee) attendeeView {
	return attendeeView{
		ID:        att.ID,
		EventID:   att.EventID,
		Day:       att.Day,
		Quantity:  att.Quantity,
		Refunded:  att.Refunded,
		CheckedIn: att.CheckedIn,
	}
}

func (a *API) handleEventsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		events, err := a.engine.ListEvents(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": events})
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleEventResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/register"); ok {
		a.registerFree(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/checkout"); ok {
		a.startCheckout(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/availability"); ok {
		a.availability(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		ev, err := a.engine.GetEvent(r.Context(), path)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) registerFree(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	att, err := a.engine.RegisterFree(r.Context(), registration.CreateParams{
		EventID:  eventID,
		Day:      req.Day,
		Fields:   req.Fields,
		Quantity: req.Quantity,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(att))
}

func (a *API) startCheckout(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "" {
		writeError(w, r, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}
	co, err := a.engine.StartCheckout(r.Context(), registration.CreateParams{
		EventID:  eventID,
		Day:      req.Day,
		Fields:   req.Fields,
		Quantity: req.Quantity,
	}, req.SuccessURL, req.CancelURL)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{
		SessionID:   co.SessionID,
		CheckoutURL: co.RedirectURL,
		ReturnToken: co.ReturnToken,
	})
}

func (a *API) availability(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ok, err := a.engine.HasAvailableSpots(r.Context(), eventID, r.URL.Query().Get("day"), 1)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	// Advisory: a spot reported free can be gone by the time the caller
	// registers.
	writeJSON(w, http.StatusOK, map[string]any{"available": ok})
}

// handleCheckoutReturn is the browser confirmation path. The signed token
// from the checkout response is the only accepted proof of the session.
func (a *API) handleCheckoutReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	att, err := a.engine.FinalizeFromRedirect(r.Context(), token)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(att))
}

// handlePaymentWebhook is the asynchronous confirmation path. Unverifiable
// payloads are rejected; verified events whose business handling fails are
// acknowledged with 200 after logging, so the provider does not retry work
// that will never succeed.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable payload")
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Webhook-Signature")
	}
	event, err := a.provider.VerifyWebhook(payload, sig)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid webhook")
		return
	}
	if event.Type != "checkout.session.completed" || event.CheckoutSessionID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	if _, err := a.engine.FinalizeCheckout(r.Context(), event.CheckoutSessionID); err != nil {
		switch {
		case errors.Is(err, registration.ErrCapacityExceeded),
			errors.Is(err, registration.ErrPaymentVerification),
			errors.Is(err, registration.ErrNotFound),
			errors.Is(err, payment.ErrNotFound):
			// Business failure: retrying the delivery cannot change the
			// outcome. Log and acknowledge.
			obs.LogIncident("webhook_finalize_failed", map[string]any{
				"checkout_session_id": event.CheckoutSessionID,
				"error":               err.Error(),
			})
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
		default:
			// Infrastructure failure: let the provider redeliver.
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}
