// Package crypto provides the HMAC row/record signing and AES-GCM field
// encryption the state store and audit log sign and seal data with.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MinKeyLength is the minimum accepted length, in bytes, for AUDIT_SECRET_KEY
// and DB_ENCRYPTION_KEY per spec §6.4.
const MinKeyLength = 32

// Signer computes and verifies HMAC-SHA256 signatures over canonical byte
// payloads, keyed by AUDIT_SECRET_KEY.
type Signer struct {
	key []byte
}

// NewSigner validates the key length and returns a ready Signer.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("audit secret key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}
	return &Signer{key: key}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 of payload,
// using a constant-time comparison.
func (s *Signer) Verify(payload []byte, signature string) bool {
	expected := s.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
