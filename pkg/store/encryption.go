package store

import (
	"github.com/cuemby/glacier/pkg/store/crypt"
)

// LocationCodec encrypts location URLs before they reach the catalog
// and decrypts them on the way out. A
// nil or empty Key makes both methods the identity function, so the
// feature is opt-in.
type LocationCodec struct {
	Key []byte
}

// Encode encrypts plaintext if a key is configured, otherwise returns
// it unchanged.
func (c LocationCodec) Encode(plaintext string) (string, error) {
	if len(c.Key) == 0 {
		return plaintext, nil
	}
	return crypt.Encrypt(c.Key, plaintext)
}

// Decode decrypts ciphertext if a key is configured. On decrypt failure
// it returns the raw string unchanged rather than an error, so that
// locations written before encryption was enabled (or under a rotated
// key) keep working.
func (c LocationCodec) Decode(raw string) string {
	if len(c.Key) == 0 {
		return raw
	}
	plaintext, err := crypt.Decrypt(c.Key, raw)
	if err != nil {
		return raw
	}
	return plaintext
}
