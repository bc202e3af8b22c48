// Package keyring implements the key hierarchy protecting attendee personal
// data: password-derived wrapping keys, authenticated key wrapping, and the
// hybrid scheme used for the personal-data fields themselves.
//
// One shared data key exists per deployment. It is never stored raw: every
// user and every session holds its own independently wrapped copy, so any one
// copy can be revoked by deleting its row without touching the others. The
// data key in turn wraps the system private key, which is the only way to
// decrypt personal data.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2 cost. Changing this invalidates every stored password hash.
	passwordHashIterations = 310_000

	SaltLength    = 16
	DataKeyLength = 32

	gcmNonceLength = 12
	x25519KeyLen   = 32
)

var (
	// ErrUnwrap indicates the wrapping key was wrong or the bundle is corrupt.
	// Callers must treat the access path that produced the bundle as invalid;
	// retrying with the same inputs cannot succeed.
	ErrUnwrap = errors.New("keyring: unwrap failed")

	// ErrDecrypt indicates a personal-data ciphertext could not be decrypted.
	ErrDecrypt = errors.New("keyring: decrypt failed")

	// ErrKeyAccess indicates a session could not be turned into a usable
	// private-key handle. The session must be invalidated.
	ErrKeyAccess = errors.New("keyring: key access denied")
)

// KeyContext carries the active public key material threaded into every
// encrypt call. It replaces any notion of a process-global "current key" so
// tests can substitute deterministic material.
type KeyContext struct {
	PublicKey []byte
	Version   int
}

// NewSalt returns a fresh random salt for password hashing.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keyring: generate salt: %w", err)
	}
	return salt, nil
}

// DerivePasswordHash derives the 32-byte password hash used both for login
// verification and as the user-side input to DeriveWrappingKey. The result is
// never persisted raw; at rest it is stored encrypted under the envelope key.
func DerivePasswordHash(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, passwordHashIterations, 32, sha256.New)
}

// DeriveWrappingKey combines a value only the user's password can reproduce
// with a value only the deployment environment can supply. Neither input alone
// is sufficient: a database dump or the environment secret by itself cannot
// produce this key.
func DeriveWrappingKey(passwordHash, envSecret []byte) ([]byte, error) {
	return deriveKey(passwordHash, envSecret, "tessera/user-wrap/v1")
}

// DeriveSessionWrappingKey derives the wrapping key protecting a session's
// own copy of the shared data key from the session token.
func DeriveSessionWrappingKey(sessionToken string, envSecret []byte) ([]byte, error) {
	return deriveKey([]byte(sessionToken), envSecret, "tessera/session-wrap/v1")
}

// DeriveEnvelopeKey derives the key protecting password hashes at rest from
// the environment secret alone.
func DeriveEnvelopeKey(envSecret []byte) ([]byte, error) {
	return deriveKey(envSecret, nil, "tessera/envelope/v1")
}

func deriveKey(ikm, salt []byte, info string) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, errors.New("keyring: empty key derivation input")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("keyring: derive key: %w", err)
	}
	return key, nil
}

// GenerateDataKey returns a fresh shared data key.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, DataKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keyring: generate data key: %w", err)
	}
	return key, nil
}

// GenerateKeyPair returns a fresh X25519 keypair as raw byte slices. The
// private key is expected to be wrapped with the data key before storage.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("keyring: generate keypair: %w", err)
	}
	return priv.PublicKey().Bytes(), priv.Bytes(), nil
}

// Wrap encrypts key material under wrappingKey using AES-256-GCM. The random
// nonce is prefixed to the ciphertext.
func Wrap(key, wrappingKey []byte) ([]byte, error) {
	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyring: generate nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, key, nil)...), nil
}

// Unwrap reverses Wrap. It fails with ErrUnwrap on a wrong wrapping key or a
// corrupt bundle; it never returns garbage key material.
func Unwrap(bundle, wrappingKey []byte) ([]byte, error) {
	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}
	if len(bundle) < gcmNonceLength+aead.Overhead() {
		return nil, ErrUnwrap
	}
	key, err := aead.Open(nil, bundle[:gcmNonceLength], bundle[gcmNonceLength:], nil)
	if err != nil {
		return nil, ErrUnwrap
	}
	return key, nil
}

// EncryptPersonalData encrypts a personal-data field for the system public
// key: an ephemeral X25519 agreement produces a one-time symmetric key that
// encrypts the plaintext with AES-GCM. Output layout is
// [ephemeral public key | nonce | ciphertext]. Round-trips arbitrary UTF-8
// including the empty string.
func EncryptPersonalData(plaintext string, publicKey []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: invalid public key: %w", err)
	}
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("keyring: key agreement: %w", err)
	}
	oneTime := sha256.Sum256(shared)

	aead, err := newGCM(oneTime[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyring: generate nonce: %w", err)
	}

	out := make([]byte, 0, x25519KeyLen+gcmNonceLength+len(plaintext)+aead.Overhead())
	out = append(out, ephemeral.PublicKey().Bytes()...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), nil)
	return out, nil
}

// ConstantTimeEqual compares two byte slices in time independent of where a
// mismatch occurs. It short-circuits on a length mismatch; callers compare
// fixed-length digests only, so the length itself leaks nothing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: invalid key length: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyring: init gcm: %w", err)
	}
	return aead, nil
}
