package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tessera-tickets/tessera/internal/accounts"
	"github.com/tessera-tickets/tessera/internal/audit"
	"github.com/tessera-tickets/tessera/internal/registration"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	CSRFToken string `json:"csrf_token"`
	ExpiresAt string `json:"expires_at"`
}

type setPasswordRequest struct {
	InviteCode string `json:"invite_code"`
	Password   string `json:"password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type inviteRequest struct {
	Username string `json:"username"`
	Level    string `json:"level"`
}

type userView struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Level     string `json:"level"`
	Activated bool   `json:"activated"`
	Invited   bool   `json:"invited"`
}

type checkinRequest struct {
	CheckedIn bool `json:"checked_in"`
}

func (a *API) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, token, err := a.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	_ = audit.LogEvent(accounts.ContextWithSession(r.Context(), session), "auth.login", nil)
	writeJSON(w, http.StatusOK, loginResponse{
		CSRFToken: session.CSRFToken,
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req setPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.accounts.SetPassword(r.Context(), req.InviteCode, req.Password); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_set"})
}

func (a *API) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if token, ok := accounts.TokenFromContext(r.Context()); ok {
		if err := a.accounts.Logout(r.Context(), token); err != nil {
			handleDomainError(w, r, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, _ := accounts.SessionFromContext(r.Context())
	if err := a.accounts.ChangePassword(r.Context(), session.UserID, req.OldPassword, req.NewPassword); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.password.change", nil)
	// Every session of the user is gone, including this one.
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.inviteUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	handle, err := a.sessionPrivateKey(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	users, err := a.accounts.ListUsers(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		username, err := handle.DecryptPersonalData(u.EncryptedUsername)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		level, err := handle.DecryptPersonalData(u.EncryptedAdminLevel)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		views = append(views, userView{
			ID:        u.ID,
			Username:  username,
			Level:     level,
			Activated: u.Activated(),
			Invited:   u.InviteCodeHash != nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) inviteUser(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	level := accounts.AdminLevel(strings.TrimSpace(req.Level))
	if level == "" {
		level = accounts.LevelAdmin
	}
	if level != accounts.LevelAdmin && level != accounts.LevelOwner {
		writeError(w, r, http.StatusBadRequest, "level must be admin or owner")
		return
	}
	if level == accounts.LevelOwner {
		if err := a.requireOwner(r.Context()); err != nil {
			handleDomainError(w, r, err)
			return
		}
	}
	code, err := a.accounts.InviteUser(r.Context(), req.Username, level)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.invite", map[string]any{
		"level": string(level),
	})
	// The code is shown exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{"invite_code": code})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/users/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/activate"); ok {
		a.activateUser(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		a.deleteUser(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) activateUser(w http.ResponseWriter, r *http.Request, targetID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	dk, err := a.sessionDataKey(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if err := a.accounts.ActivateUser(r.Context(), targetID, dk); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.activate", map[string]any{
		"target_id": targetID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "activated"})
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, targetID string) {
	if err := a.requireOwner(r.Context()); err != nil {
		handleDomainError(w, r, err)
		return
	}
	session, _ := accounts.SessionFromContext(r.Context())
	if err := a.accounts.DeleteUser(r.Context(), session.UserID, targetID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.delete", map[string]any{
		"target_id": targetID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var ev registration.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ev.ID = ""
	if err := a.engine.CreateEvent(r.Context(), &ev); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.event.create", map[string]any{
		"event_id": ev.ID,
		"capacity": strconv.Itoa(ev.Capacity),
	})
	w.Header().Set("Location", "/v1/events/"+ev.ID)
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) handleAdminEventResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/events/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if id, ok := strings.CutSuffix(path, "/attendees"); ok {
		a.listEventAttendees(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/refund-all"); ok {
		a.refundAll(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	writeError(w, r, http.StatusNotFound, "resource not found")
}

func (a *API) listEventAttendees(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	handle, err := a.sessionPrivateKey(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	atts, err := a.engine.ListAttendees(r.Context(), eventID, r.URL.Query().Get("day"), handle)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	type decryptedView struct {
		attendeeView
		Fields map[string]string `json:"fields"`
	}
	views := make([]decryptedView, 0, len(atts))
	for _, att := range atts {
		views = append(views, decryptedView{
			attendeeView: viewOf(att.Attendee),
			Fields:       att.Plain,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) refundAll(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requireOwner(r.Context()); err != nil {
		handleDomainError(w, r, err)
		return
	}
	succeeded, failed, err := a.engine.RefundAll(r.Context(), eventID, r.URL.Query().Get("day"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.event.refund_all", map[string]any{
		"event_id":  eventID,
		"succeeded": strconv.Itoa(succeeded),
		"failed":    strconv.Itoa(failed),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
	})
}

func (a *API) handleAttendeeResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/attendees/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if id, ok := strings.CutSuffix(path, "/checkin"); ok {
		a.checkIn(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/refund"); ok {
		a.refundAttendee(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	writeError(w, r, http.StatusNotFound, "resource not found")
}

func (a *API) checkIn(w http.ResponseWriter, r *http.Request, attendeeID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.SetCheckedIn(r.Context(), attendeeID, req.CheckedIn); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.attendee.checkin", map[string]any{
		"attendee_id": attendeeID,
		"checked_in":  strconv.FormatBool(req.CheckedIn),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) refundAttendee(w http.ResponseWriter, r *http.Request, attendeeID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.engine.RefundAttendee(r.Context(), attendeeID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.attendee.refund", map[string]any{
		"attendee_id": attendeeID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "refunded"})
}
