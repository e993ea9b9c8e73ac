// Package crypto provides payload signing for outbound webhook deliveries.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptyKey is returned when a signer is built without a signing key.
var ErrEmptyKey = errors.New("signing key must not be empty")

// Signer computes HMAC-SHA256 signatures over webhook request bodies so
// receivers can verify a delivery originated from this service and was not
// tampered with in transit.
type Signer struct {
	key []byte
}

// NewSigner creates a signer from a shared secret key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &Signer{key: key}, nil
}

// Sign returns the signature for body in "sha256=<hex>" form, suitable for
// an HTTP header value.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. The comparison is
// constant time.
func (s *Signer) Verify(body []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(body)), []byte(signature))
}
