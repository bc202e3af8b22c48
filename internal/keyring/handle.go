package keyring

import (
	"crypto/ecdh"
	"crypto/sha256"
)

// PrivateKeyHandle is an opaque reference to the unwrapped system private
// key. Callers can decrypt with it but cannot extract the raw key bytes.
type PrivateKeyHandle struct {
	priv *ecdh.PrivateKey
}

func newPrivateKeyHandle(raw []byte) (*PrivateKeyHandle, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, ErrKeyAccess
	}
	return &PrivateKeyHandle{priv: priv}, nil
}

// NewPrivateKeyHandleForTests builds a handle directly from raw private key
// bytes. Only intended for test use; production code goes through
// Resolver.ResolvePrivateKey.
func NewPrivateKeyHandleForTests(raw []byte) (*PrivateKeyHandle, error) {
	return newPrivateKeyHandle(raw)
}

// DecryptPersonalData reverses EncryptPersonalData.
func (h *PrivateKeyHandle) DecryptPersonalData(ciphertext []byte) (string, error) {
	if h == nil || h.priv == nil {
		return "", ErrKeyAccess
	}
	if len(ciphertext) < x25519KeyLen+gcmNonceLength {
		return "", ErrDecrypt
	}
	ephemeral, err := ecdh.X25519().NewPublicKey(ciphertext[:x25519KeyLen])
	if err != nil {
		return "", ErrDecrypt
	}
	shared, err := h.priv.ECDH(ephemeral)
	if err != nil {
		return "", ErrDecrypt
	}
	oneTime := sha256.Sum256(shared)

	aead, err := newGCM(oneTime[:])
	if err != nil {
		return "", ErrDecrypt
	}
	nonce := ciphertext[x25519KeyLen : x25519KeyLen+gcmNonceLength]
	plaintext, err := aead.Open(nil, nonce, ciphertext[x25519KeyLen+gcmNonceLength:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
