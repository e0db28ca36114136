// Package crypt implements URL-safe encryption and decryption of image
// location strings, so that a store driver's credentials-bearing URL
// (e.g. an S3 URL with an embedded access key) never sits in the
// catalog in plaintext.
//
// The envelope is AES-128-CBC with a random IV prepended to the
// ciphertext and base64 urlsafe encoding applied to the whole thing.
// Padding uses a single NUL byte followed by a random non-NUL fill rather
// than PKCS#7, so that decrypting a value that was never encrypted (or was
// encrypted under a different, unknown key) fails by producing garbage
// rather than a usable-looking plaintext prefix -- callers detect this
// failure and fall back to treating the string as already-plaintext,
// which is what makes online key rotation possible: old rows keep
// decrypting under the previous key until they're rewritten.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const blockSize = aes.BlockSize // 16

// Encrypt encrypts plaintext under key (which must be 16, 24, or 32
// bytes for AES-128/192/256) and returns URL-safe base64 ciphertext.
func Encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	iv := make([]byte, blockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := append(append([]byte{}, iv...), ciphertext...)
	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns an error if the input is not
// valid URL-safe base64, is shorter than one IV plus one block, or
// decodes to a message with no NUL terminator -- the last case is the
// ordinary outcome of trying to decrypt a value that isn't actually
// ciphertext under this key, and callers should treat it as "not
// encrypted" rather than a hard failure.
func Decrypt(key []byte, ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < blockSize+blockSize || len(raw)%blockSize != 0 {
		return "", fmt.Errorf("ciphertext too short or misaligned")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv, body := raw[:blockSize], raw[blockSize:]
	padded := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, body)

	idx := lastIndexNUL(padded)
	if idx < 0 {
		return "", fmt.Errorf("no padding terminator found; wrong key or not ciphertext")
	}
	return string(padded[:idx]), nil
}

// pad appends a NUL byte followed by random filler bytes so the total
// length is a multiple of blockSize: when the
// plaintext is already block-aligned, a full extra block of padding is
// added (never zero padding bytes), so the NUL terminator is always
// present and unambiguous.
func pad(text []byte) ([]byte, error) {
	padLen := blockSize - len(text)%blockSize
	filler := make([]byte, padLen-1)
	if len(filler) > 0 {
		if _, err := rand.Read(filler); err != nil {
			return nil, fmt.Errorf("generate padding: %w", err)
		}
		// Filler bytes stay in [1, 0xFF] so none can be mistaken for
		// the terminator.
		for i, b := range filler {
			if b == 0 {
				filler[i] = 1
			}
		}
	}
	out := make([]byte, 0, len(text)+padLen)
	out = append(out, text...)
	out = append(out, 0)
	out = append(out, filler...)
	return out, nil
}

func lastIndexNUL(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == 0 {
			return i
		}
	}
	return -1
}
