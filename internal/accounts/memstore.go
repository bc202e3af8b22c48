package accounts

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/tessera-tickets/tessera/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore implements Store in memory with in-process concurrency safety.
// Used by tests and local development.
type MemStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	sessions map[string]*Session
	keyState *KeyState
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
	}
}

func cloneUser(u *User) *User {
	copied := *u
	return &copied
}

func cloneSession(s *Session) *Session {
	copied := *s
	return &copied
}

func (m *MemStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemStore) FindUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemStore) FindUserByDigest(ctx context.Context, digest []byte) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if bytes.Equal(u.UsernameDigest, digest) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) FindUserByInviteHash(ctx context.Context, hash []byte) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if len(u.InviteCodeHash) > 0 && bytes.Equal(u.InviteCodeHash, hash) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, cloneUser(u))
	}
	return res, nil
}

func (m *MemStore) SetUserPassword(ctx context.Context, userID string, salt, encryptedHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordSalt = salt
	u.EncryptedPasswordHash = encryptedHash
	u.InviteCodeHash = nil
	u.InviteExpiresAt = nil
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) ActivateUser(ctx context.Context, userID string, wrappedDataKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.Activated() {
		return ErrNotFound
	}
	u.WrappedDataKey = wrappedDataKey
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) RewrapUser(ctx context.Context, userID string, salt, encryptedHash, wrappedDataKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordSalt = salt
	u.EncryptedPasswordHash = encryptedHash
	u.WrappedDataKey = wrappedDataKey
	u.UpdatedAt = time.Now().UTC()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *MemStore) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	delete(m.users, userID)
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *MemStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = ids.New()
	}
	s.CreatedAt = time.Now().UTC()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemStore) FindSessionByTokenHash(ctx context.Context, hash []byte) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if bytes.Equal(s.TokenHash, hash) {
			return cloneSession(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) LoadKeyState(ctx context.Context) (*KeyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keyState == nil {
		return nil, ErrNotBootstrapped
	}
	copied := *m.keyState
	return &copied, nil
}

func (m *MemStore) SaveKeyState(ctx context.Context, ks *KeyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyState != nil {
		return ErrBootstrapped
	}
	copied := *ks
	copied.CreatedAt = time.Now().UTC()
	m.keyState = &copied
	return nil
}

// SessionCount reports live sessions for a user. Test helper.
func (m *MemStore) SessionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}
