package httpapi

import (
	"context"
	"net/http"

	"github.com/tessera-tickets/tessera/internal/accounts"
	"github.com/tessera-tickets/tessera/internal/keyring"
)

const (
	sessionCookie = "tessera_session"
	csrfHeader    = "X-CSRF-Token"
)

// withSession authenticates the session cookie and, for mutating methods,
// requires the CSRF token issued at login. The session and the raw token land
// in the request context; the token is what key resolution derives from.
func (a *API) withSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil || cookie.Value == "" {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		session, err := a.accounts.Authenticate(r.Context(), cookie.Value)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid session")
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if !keyring.ConstantTimeEqual([]byte(r.Header.Get(csrfHeader)), []byte(session.CSRFToken)) {
				writeError(w, r, http.StatusForbidden, "csrf token mismatch")
				return
			}
		}
		ctx := accounts.ContextWithSession(r.Context(), session)
		ctx = accounts.ContextWithToken(ctx, cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionPrivateKey resolves the caller's private-key handle through its
// session-wrapped data key copy. Fails closed on any mismatch.
func (a *API) sessionPrivateKey(ctx context.Context) (*keyring.PrivateKeyHandle, error) {
	session, ok := accounts.SessionFromContext(ctx)
	token, ok2 := accounts.TokenFromContext(ctx)
	if !ok || !ok2 {
		return nil, accounts.ErrUnauthorized
	}
	ks, err := a.accounts.KeyState(ctx)
	if err != nil {
		return nil, err
	}
	return a.accounts.Resolver().ResolvePrivateKey(token, session.WrappedDataKey, ks.WrappedPrivateKey)
}

// sessionDataKey resolves the caller's data-key handle, needed to mint a
// wrapped copy for a user being activated.
func (a *API) sessionDataKey(ctx context.Context) (*keyring.DataKeyHandle, error) {
	session, ok := accounts.SessionFromContext(ctx)
	token, ok2 := accounts.TokenFromContext(ctx)
	if !ok || !ok2 {
		return nil, accounts.ErrUnauthorized
	}
	return a.accounts.Resolver().ResolveDataKey(token, session.WrappedDataKey)
}

// actorLevel decrypts the calling admin's level with its own key handle.
func (a *API) actorLevel(ctx context.Context) (accounts.AdminLevel, error) {
	session, ok := accounts.SessionFromContext(ctx)
	if !ok {
		return "", accounts.ErrUnauthorized
	}
	user, err := a.accounts.GetUser(ctx, session.UserID)
	if err != nil {
		return "", err
	}
	handle, err := a.sessionPrivateKey(ctx)
	if err != nil {
		return "", err
	}
	level, err := handle.DecryptPersonalData(user.EncryptedAdminLevel)
	if err != nil {
		return "", err
	}
	return accounts.AdminLevel(level), nil
}

// requireOwner gates destructive admin operations.
func (a *API) requireOwner(ctx context.Context) error {
	level, err := a.actorLevel(ctx)
	if err != nil {
		return err
	}
	if level != accounts.LevelOwner {
		return accounts.ErrUnauthorized
	}
	return nil
}
