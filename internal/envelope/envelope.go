// Package envelope opens and seals the encrypted task envelopes exchanged with
// the deployment manager.
//
// Wire format: base64( IV(12) | GCM tag(16) | ciphertext ), AES-256-GCM, no
// associated data. The tag sits in front of the ciphertext, so it is moved to
// the end before handing the buffer to crypto/cipher.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	engerrors "github.com/tiara/engine/internal/errors"
)

const (
	KeySize   = 32
	IVSize    = 12
	TagSize   = 16
	minLength = IVSize + TagSize
)

var (
	// ErrMalformed means the envelope could not be decoded or its plaintext is
	// not JSON.
	ErrMalformed = engerrors.New("malformed envelope")
	// ErrAuthentication means the GCM tag did not verify.
	ErrAuthentication = engerrors.New("envelope authentication failed")
)

// Cipher holds the process-wide sync key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 256-bit key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Open returns the authenticated plaintext of envelope. Every failure wraps
// engerrors.ErrInvalidPayload; the inner error says which check failed and is
// for server logs only.
func (c *Cipher) Open(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return nil, engerrors.InvalidPayload(fmt.Errorf("%w: base64: %v", ErrMalformed, err))
	}
	if len(raw) < minLength {
		return nil, engerrors.InvalidPayload(fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(raw), minLength))
	}
	iv := raw[:IVSize]
	tag := raw[IVSize:minLength]
	ciphertext := raw[minLength:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, engerrors.InvalidPayload(fmt.Errorf("%w: %v", ErrAuthentication, err))
	}
	return plaintext, nil
}

// DecryptInto opens envelope and decodes the UTF-8 JSON plaintext into v.
func (c *Cipher) DecryptInto(envelope string, v any) error {
	plaintext, err := c.Open(envelope)
	if err != nil {
		return err
	}
	if !utf8.Valid(plaintext) {
		return engerrors.InvalidPayload(fmt.Errorf("%w: plaintext is not utf-8", ErrMalformed))
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return engerrors.InvalidPayload(fmt.Errorf("%w: json: %v", ErrMalformed, err))
	}
	return nil
}

// Seal encrypts plaintext with a fresh random IV and returns the base64
// envelope.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, minLength+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// SealJSON marshals v and seals it.
func (c *Cipher) SealJSON(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal envelope body: %w", err)
	}
	return c.Seal(payload)
}
