package keyring

// DataKeyHandle is an opaque reference to the unwrapped shared data key.
// Callers can mint new wrapped copies from it but cannot extract the raw
// bytes. Every copy it produces is independently revocable: deleting one
// wrapped copy never affects another.
type DataKeyHandle struct {
	key []byte
}

// ResolveDataKey unwraps a session's copy of the shared data key. Failure
// means the session is no longer a valid access path.
func (r *Resolver) ResolveDataKey(sessionToken string, sessionWrappedDataKey []byte) (*DataKeyHandle, error) {
	wrappingKey, err := DeriveSessionWrappingKey(sessionToken, r.envSecret)
	if err != nil {
		return nil, ErrKeyAccess
	}
	dataKey, err := Unwrap(sessionWrappedDataKey, wrappingKey)
	if err != nil {
		return nil, ErrKeyAccess
	}
	return &DataKeyHandle{key: dataKey}, nil
}

// NewDataKeyHandle wraps raw data-key bytes in a handle. Used by bootstrap
// and by login, which hold the freshly unwrapped key for the duration of one
// operation.
func NewDataKeyHandle(key []byte) *DataKeyHandle {
	return &DataKeyHandle{key: key}
}

// Valid reports whether the handle carries key material.
func (h *DataKeyHandle) Valid() bool {
	return h != nil && len(h.key) == DataKeyLength
}

// WrapUnder produces a new wrapped copy of the shared data key under the
// given wrapping key.
func (h *DataKeyHandle) WrapUnder(wrappingKey []byte) ([]byte, error) {
	if !h.Valid() {
		return nil, ErrKeyAccess
	}
	return Wrap(h.key, wrappingKey)
}

// UnwrapPrivateKey opens the system's wrapped private key with the shared
// data key and returns a decryption handle.
func (h *DataKeyHandle) UnwrapPrivateKey(globalWrappedPrivateKey []byte) (*PrivateKeyHandle, error) {
	if !h.Valid() {
		return nil, ErrKeyAccess
	}
	raw, err := Unwrap(globalWrappedPrivateKey, h.key)
	if err != nil {
		return nil, ErrKeyAccess
	}
	return newPrivateKeyHandle(raw)
}
