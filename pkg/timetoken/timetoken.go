// Package timetoken implements the signed timestamp tokens that clients
// attach to result submissions. Execution start/end times feed
// duration-based reporting, so the server refuses any timestamp it
// cannot authenticate against the shared secret.
package timetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
)

// Codec signs and verifies timestamp tokens. It is stateless and safe
// for concurrent use.
type Codec struct {
	secret []byte
}

// NewCodec creates a Codec using the given shared secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Sign produces a token of the form
// base64url(timestamp_ms) + "." + base64url(hmac_sha256_signature)
// where the signature covers the decimal millisecond timestamp.
func (c *Codec) Sign(t time.Time) string {
	ts := strconv.FormatInt(t.UnixMilli(), 10)
	sig := c.sign(ts)

	return base64.RawURLEncoding.EncodeToString([]byte(ts)) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig)
}

// Verify decodes and authenticates a token, returning the embedded
// timestamp in UTC. Any structural, decoding, or signature failure is
// a validation error.
func (c *Codec) Verify(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, apperr.Validation("timestamp token is required")
	}

	tsPart, sigPart, found := strings.Cut(token, ".")
	if !found {
		return time.Time{}, apperr.Validation("timestamp token is missing its signature")
	}

	tsBytes, err := base64.RawURLEncoding.DecodeString(tsPart)
	if err != nil {
		return time.Time{}, apperr.Validation("timestamp token is malformed")
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return time.Time{}, apperr.Validation("timestamp token is malformed")
	}

	expected := c.sign(string(tsBytes))
	if !hmac.Equal(expected, sig) {
		return time.Time{}, apperr.Validation("timestamp token signature mismatch")
	}

	millis, err := strconv.ParseInt(string(tsBytes), 10, 64)
	if err != nil {
		return time.Time{}, apperr.Validation("timestamp token payload is not a timestamp")
	}

	if millis < 0 {
		return time.Time{}, apperr.Validation("timestamp token payload is negative")
	}

	return time.UnixMilli(millis).UTC(), nil
}

func (c *Codec) sign(payload string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))

	return mac.Sum(nil)
}
