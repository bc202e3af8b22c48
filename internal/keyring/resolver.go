package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cacheTTL bounds how long a resolved handle may outlive session deletion.
// It defines the maximum post-logout window in which a revoked session could
// still decrypt data.
const cacheTTL = 3 * time.Second

// Resolver turns a session token plus its wrapped key material into a usable
// private-key handle. Successful resolutions are cached briefly, keyed by the
// token hash.
type Resolver struct {
	envSecret []byte
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	handle  *PrivateKeyHandle
	expires time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL overrides the handle cache lifetime. Zero disables caching.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver bound to the deployment's environment
// secret.
func NewResolver(envSecret []byte, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		envSecret: envSecret,
		ttl:       cacheTTL,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolvePrivateKey unwraps the session's copy of the shared data key using a
// key derived from the session token, then unwraps the system private key
// with that data key. Any failure returns ErrKeyAccess and the caller must
// treat the session as invalid: this is how key rotation or an environment
// secret change retroactively invalidates stale sessions.
func (r *Resolver) ResolvePrivateKey(sessionToken string, sessionWrappedDataKey, globalWrappedPrivateKey []byte) (*PrivateKeyHandle, error) {
	key := cacheKey(sessionToken)
	if r.ttl > 0 {
		r.mu.Lock()
		if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
			r.mu.Unlock()
			return entry.handle, nil
		}
		r.mu.Unlock()
	}

	dataKey, err := r.ResolveDataKey(sessionToken, sessionWrappedDataKey)
	if err != nil {
		return nil, ErrKeyAccess
	}
	handle, err := dataKey.UnwrapPrivateKey(globalWrappedPrivateKey)
	if err != nil {
		return nil, ErrKeyAccess
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.evictExpired()
		r.cache[key] = cacheEntry{handle: handle, expires: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return handle, nil
}

// Forget drops any cached handle for the given session token. Called on
// logout and password change so revocation takes effect immediately instead
// of after the cache TTL.
func (r *Resolver) Forget(sessionToken string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(sessionToken))
	r.mu.Unlock()
}

// evictExpired must be called with r.mu held.
func (r *Resolver) evictExpired() {
	now := r.now()
	for k, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, k)
		}
	}
}

func cacheKey(sessionToken string) string {
	sum := sha256.Sum256([]byte(sessionToken))
	return hex.EncodeToString(sum[:])
}
