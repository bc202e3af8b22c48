package accounts

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-tickets/tessera/internal/ids"
	"github.com/tessera-tickets/tessera/internal/keyring"
)

const (
	defaultSessionTTL = 12 * time.Hour
	defaultInviteTTL  = 72 * time.Hour
)

// Service implements the user and session key lifecycle:
// invited -> password_set -> activated -> (password changes) -> deleted.
// No transition skips a state and every rewrap is transactional.
type Service struct {
	store     Store
	envSecret []byte
	resolver  *keyring.Resolver
	now       func() time.Time

	sessionTTL time.Duration
	inviteTTL  time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithSessionTTL overrides the session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithInviteTTL overrides the invite expiry window.
func WithInviteTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.inviteTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the lifecycle service.
func NewService(store Store, envSecret []byte, resolver *keyring.Resolver, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		envSecret:  envSecret,
		resolver:   resolver,
		now:        time.Now,
		sessionTTL: defaultSessionTTL,
		inviteTTL:  defaultInviteTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver exposes the key resolver bound to this service.
func (s *Service) Resolver() *keyring.Resolver { return s.resolver }

// KeyState loads the deployment key hierarchy root.
func (s *Service) KeyState(ctx context.Context) (*KeyState, error) {
	return s.store.LoadKeyState(ctx)
}

// GetUser loads one user. Identity fields stay encrypted.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.FindUser(ctx, id)
}

// Bootstrap generates the key hierarchy and the first owner account in one
// step. The first owner is created fully activated: its wrapped data-key copy
// can only be minted here, while the raw data key is still in hand.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return fmt.Errorf("%w: username and password required", ErrUnauthorized)
	}

	publicKey, privateKey, err := keyring.GenerateKeyPair()
	if err != nil {
		return err
	}
	dataKey, err := keyring.GenerateDataKey()
	if err != nil {
		return err
	}
	wrappedPrivate, err := keyring.Wrap(privateKey, dataKey)
	if err != nil {
		return err
	}
	if err := s.store.SaveKeyState(ctx, &KeyState{
		Version:           1,
		PublicKey:         publicKey,
		WrappedPrivateKey: wrappedPrivate,
	}); err != nil {
		return err
	}

	user, err := s.buildUser(username, LevelOwner, publicKey)
	if err != nil {
		return err
	}
	user.InviteCodeHash = nil
	user.InviteExpiresAt = nil

	salt, encryptedHash, passwordHash, err := s.hashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordSalt = salt
	user.EncryptedPasswordHash = encryptedHash

	wrappingKey, err := keyring.DeriveWrappingKey(passwordHash, s.envSecret)
	if err != nil {
		return err
	}
	user.WrappedDataKey, err = keyring.NewDataKeyHandle(dataKey).WrapUnder(wrappingKey)
	if err != nil {
		return err
	}
	return s.store.CreateUser(ctx, user)
}

// InviteUser creates a user with no password and no wrapped data key and
// returns the one-time invite code. Only its hash is stored.
func (s *Service) InviteUser(ctx context.Context, username string, level AdminLevel) (string, error) {
	ks, err := s.store.LoadKeyState(ctx)
	if err != nil {
		return "", err
	}
	user, err := s.buildUser(username, level, ks.PublicKey)
	if err != nil {
		return "", err
	}

	code := uuid.NewString()
	hash := sha256.Sum256([]byte(code))
	expires := s.now().UTC().Add(s.inviteTTL)
	user.InviteCodeHash = hash[:]
	user.InviteExpiresAt = &expires

	if err := s.store.CreateUser(ctx, user); err != nil {
		return "", err
	}
	return code, nil
}

// SetPassword completes an invite. The user still cannot decrypt anything
// until an activated admin activates them.
func (s *Service) SetPassword(ctx context.Context, inviteCode, password string) error {
	if password == "" {
		return ErrInviteInvalid
	}
	hash := sha256.Sum256([]byte(inviteCode))
	user, err := s.store.FindUserByInviteHash(ctx, hash[:])
	if err != nil {
		return ErrInviteInvalid
	}
	if user.PasswordSet() {
		return ErrInviteInvalid
	}
	if user.InviteExpiresAt == nil || s.now().After(*user.InviteExpiresAt) {
		return ErrInviteInvalid
	}

	salt, encryptedHash, _, err := s.hashPassword(password)
	if err != nil {
		return err
	}
	return s.store.SetUserPassword(ctx, user.ID, salt, encryptedHash)
}

// ActivateUser wraps the shared data key for the target user, giving them
// their own revocable copy. The acting session must hold a valid data-key
// handle; the target must have a password set and not be active yet.
func (s *Service) ActivateUser(ctx context.Context, targetID string, dk *keyring.DataKeyHandle) error {
	if !dk.Valid() {
		return keyring.ErrKeyAccess
	}
	target, err := s.store.FindUser(ctx, targetID)
	if err != nil {
		return err
	}
	if !target.PasswordSet() {
		return ErrPasswordNotSet
	}
	if target.Activated() {
		return ErrAlreadyActive
	}

	passwordHash, err := s.openPasswordHash(target)
	if err != nil {
		return err
	}
	wrappingKey, err := keyring.DeriveWrappingKey(passwordHash, s.envSecret)
	if err != nil {
		return err
	}
	wrapped, err := dk.WrapUnder(wrappingKey)
	if err != nil {
		return err
	}
	return s.store.ActivateUser(ctx, targetID, wrapped)
}

// ChangePassword unwraps the data key with the old password, re-wraps it with
// the new one, and replaces the stored copy atomically. Every session of the
// user is destroyed as part of the same transition; on any failure the old
// copy and all sessions remain valid.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if newPassword == "" {
		return ErrUnauthorized
	}
	user, err := s.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.Activated() {
		return ErrNotActivated
	}

	oldHash, err := s.verifyPassword(user, oldPassword)
	if err != nil {
		return err
	}
	oldWrappingKey, err := keyring.DeriveWrappingKey(oldHash, s.envSecret)
	if err != nil {
		return err
	}
	dataKey, err := keyring.Unwrap(user.WrappedDataKey, oldWrappingKey)
	if err != nil {
		return err
	}

	salt, encryptedHash, newHash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	newWrappingKey, err := keyring.DeriveWrappingKey(newHash, s.envSecret)
	if err != nil {
		return err
	}
	rewrapped, err := keyring.Wrap(dataKey, newWrappingKey)
	if err != nil {
		return err
	}
	return s.store.RewrapUser(ctx, userID, salt, encryptedHash, rewrapped)
}

// DeleteUser removes the target's row and discards its wrapped copy. Deleting
// one's own account is refused.
func (s *Service) DeleteUser(ctx context.Context, actorID, targetID string) error {
	if actorID == targetID {
		return ErrSelfDelete
	}
	return s.store.DeleteUser(ctx, targetID)
}

// ListUsers returns all users. Identity fields stay encrypted; the caller
// decrypts with its own key handle.
func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	return s.store.ListUsers(ctx)
}

// Login verifies credentials and mints a session carrying its own wrapped
// copy of the shared data key. Returns the session and the raw token; the
// token is never stored.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, string, error) {
	user, err := s.store.FindUserByDigest(ctx, s.usernameDigest(username))
	if err != nil {
		return nil, "", ErrUnauthorized
	}
	if !user.Activated() {
		return nil, "", ErrNotActivated
	}
	passwordHash, err := s.verifyPassword(user, password)
	if err != nil {
		return nil, "", ErrUnauthorized
	}

	wrappingKey, err := keyring.DeriveWrappingKey(passwordHash, s.envSecret)
	if err != nil {
		return nil, "", err
	}
	dataKey, err := keyring.Unwrap(user.WrappedDataKey, wrappingKey)
	if err != nil {
		// The stored copy no longer opens with a verified password: the key
		// material is stale (e.g. environment secret change). Fail closed.
		return nil, "", keyring.ErrKeyAccess
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, "", err
	}
	sessionKey, err := keyring.DeriveSessionWrappingKey(token, s.envSecret)
	if err != nil {
		return nil, "", err
	}
	sessionWrapped, err := keyring.NewDataKeyHandle(dataKey).WrapUnder(sessionKey)
	if err != nil {
		return nil, "", err
	}

	tokenHash := sha256.Sum256([]byte(token))
	session := &Session{
		ID:             ids.New(),
		UserID:         user.ID,
		TokenHash:      tokenHash[:],
		CSRFToken:      uuid.NewString(),
		WrappedDataKey: sessionWrapped,
		ExpiresAt:      s.now().UTC().Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, "", err
	}
	return session, token, nil
}

// Authenticate resolves a session token to its live session.
func (s *Service) Authenticate(ctx context.Context, token string) (*Session, error) {
	tokenHash := sha256.Sum256([]byte(token))
	session, err := s.store.FindSessionByTokenHash(ctx, tokenHash[:])
	if err != nil {
		return nil, ErrUnauthorized
	}
	if s.now().After(session.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, session.ID)
		return nil, ErrUnauthorized
	}
	return session, nil
}

// Logout destroys the session row and drops any cached key handle, so the
// revocation takes effect immediately.
func (s *Service) Logout(ctx context.Context, token string) error {
	session, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil
	}
	if err := s.store.DeleteSession(ctx, session.ID); err != nil {
		return err
	}
	if s.resolver != nil {
		s.resolver.Forget(token)
	}
	return nil
}

// SweepExpiredSessions removes sessions past their expiry.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredSessions(ctx, s.now().UTC())
}

// --- helpers ---

func (s *Service) buildUser(username string, level AdminLevel, publicKey []byte) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrUnauthorized)
	}
	encryptedUsername, err := keyring.EncryptPersonalData(username, publicKey)
	if err != nil {
		return nil, err
	}
	encryptedLevel, err := keyring.EncryptPersonalData(string(level), publicKey)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:                  ids.New(),
		UsernameDigest:      s.usernameDigest(username),
		EncryptedUsername:   encryptedUsername,
		EncryptedAdminLevel: encryptedLevel,
	}, nil
}

// usernameDigest computes a keyed digest for login lookup. Without the
// environment secret a database dump does not reveal usernames.
func (s *Service) usernameDigest(username string) []byte {
	mac := hmac.New(sha256.New, s.envSecret)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(username))))
	return mac.Sum(nil)
}

// hashPassword derives a fresh salt and password hash and encrypts the hash
// under the envelope key. The raw hash is returned for wrapping-key
// derivation and never persisted.
func (s *Service) hashPassword(password string) (salt, encryptedHash, passwordHash []byte, err error) {
	salt, err = keyring.NewSalt()
	if err != nil {
		return nil, nil, nil, err
	}
	passwordHash = keyring.DerivePasswordHash(password, salt)
	envelopeKey, err := keyring.DeriveEnvelopeKey(s.envSecret)
	if err != nil {
		return nil, nil, nil, err
	}
	encryptedHash, err = keyring.Wrap(passwordHash, envelopeKey)
	if err != nil {
		return nil, nil, nil, err
	}
	return salt, encryptedHash, passwordHash, nil
}

// openPasswordHash decrypts a user's stored hash blob with the envelope key.
func (s *Service) openPasswordHash(user *User) ([]byte, error) {
	envelopeKey, err := keyring.DeriveEnvelopeKey(s.envSecret)
	if err != nil {
		return nil, err
	}
	return keyring.Unwrap(user.EncryptedPasswordHash, envelopeKey)
}

// verifyPassword recomputes the hash from the presented password and compares
// it against the stored blob in constant time. A wrong password yields
// ErrUnauthorized, never a panic or a partial result.
func (s *Service) verifyPassword(user *User, password string) ([]byte, error) {
	if !user.PasswordSet() {
		return nil, ErrPasswordNotSet
	}
	stored, err := s.openPasswordHash(user)
	if err != nil {
		return nil, err
	}
	computed := keyring.DerivePasswordHash(password, user.PasswordSalt)
	if !keyring.ConstantTimeEqual(stored, computed) {
		return nil, ErrUnauthorized
	}
	return computed, nil
}

func newSessionToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
