// Package accounts manages admin users, their sessions, and the lifecycle of
// the wrapped key copies both carry. It is invoked only by administrative
// actions, never by the public registration path.
package accounts

import "time"

// AdminLevel distinguishes owners (may manage other users) from regular
// admins. The stored value is encrypted; this type exists for the plaintext
// side only.
type AdminLevel string

const (
	LevelOwner AdminLevel = "owner"
	LevelAdmin AdminLevel = "admin"
)

// User is an admin account. Identity fields are encrypted for the system
// public key; the password hash is encrypted under the environment-derived
// envelope key. WrappedDataKey is the user's own independently revocable copy
// of the shared data key, absent until activation.
type User struct {
	ID                    string
	UsernameDigest        []byte // keyed digest for login lookup
	EncryptedUsername     []byte
	EncryptedAdminLevel   []byte
	PasswordSalt          []byte // nil until a password is set
	EncryptedPasswordHash []byte // nil until a password is set
	WrappedDataKey        []byte // nil until activated
	InviteCodeHash        []byte // nil once the invite is used
	InviteExpiresAt       *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Activated reports whether the user holds a wrapped copy of the data key.
func (u *User) Activated() bool { return len(u.WrappedDataKey) > 0 }

// PasswordSet reports whether the user completed the invite step.
func (u *User) PasswordSet() bool { return len(u.EncryptedPasswordHash) > 0 }

// Session is one login. It carries its own wrapped copy of the shared data
// key, scoped to the session token; deleting the row permanently revokes this
// access path without touching any other copy.
type Session struct {
	ID             string
	UserID         string
	TokenHash      []byte
	CSRFToken      string
	WrappedDataKey []byte
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// KeyState is the deployment's key hierarchy root: the system public key in
// the clear and the private key wrapped with the shared data key. Written
// once at bootstrap.
type KeyState struct {
	Version           int
	PublicKey         []byte
	WrappedPrivateKey []byte
	CreatedAt         time.Time
}
