package accounts

import (
	"context"
	"time"
)

// Store describes persistence for users, sessions, and the key-state row.
// Multi-step transitions (password change) must be atomic within the store.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, id string) (*User, error)
	FindUserByDigest(ctx context.Context, digest []byte) (*User, error)
	FindUserByInviteHash(ctx context.Context, hash []byte) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	// SetUserPassword stores the salt and encrypted hash blob and clears the
	// invite fields in one statement.
	SetUserPassword(ctx context.Context, userID string, salt, encryptedHash []byte) error

	// ActivateUser persists the user's own wrapped copy of the data key.
	ActivateUser(ctx context.Context, userID string, wrappedDataKey []byte) error

	// RewrapUser atomically replaces the user's salt, encrypted hash blob and
	// wrapped data key, and destroys every session belonging to the user. If
	// any part fails, the previous state remains intact.
	RewrapUser(ctx context.Context, userID string, salt, encryptedHash, wrappedDataKey []byte) error

	// DeleteUser removes the user row and its sessions. Other users' wrapped
	// copies are untouched.
	DeleteUser(ctx context.Context, userID string) error

	CreateSession(ctx context.Context, s *Session) error
	FindSessionByTokenHash(ctx context.Context, hash []byte) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	LoadKeyState(ctx context.Context) (*KeyState, error)
	// SaveKeyState writes the key-state row; it fails if one already exists.
	SaveKeyState(ctx context.Context, ks *KeyState) error
}
