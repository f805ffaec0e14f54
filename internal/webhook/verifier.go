// Package webhook authenticates signed Evntaly delivery callbacks and routes them to handlers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix-seconds>,v1=<hex hmac-sha256>".
const SignatureHeader = "X-Evntaly-Signature"

// ReplayWindow is the maximum allowed distance between the signed timestamp and now.
const ReplayWindow = 300 * time.Second

var (
	ErrMissingSignature   = errors.New("webhook: signature header missing")
	ErrMalformedSignature = errors.New("webhook: signature header malformed")
	ErrTimestampExpired   = errors.New("webhook: timestamp outside replay window")
	ErrSignatureMismatch  = errors.New("webhook: signature mismatch")
	ErrMalformedPayload   = errors.New("webhook: payload must be a JSON object with a string event field")
	ErrEmptySecret        = errors.New("webhook: secret must be set")
)

var signaturePattern = regexp.MustCompile(`^t=(\d+),v1=([0-9a-fA-F]+)$`)

// ValidationError reports why an inbound payload was rejected. Unwrap yields one of the Err* sentinels.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Verifier checks payload signatures against a shared secret.
type Verifier struct {
	secret []byte
	nowF   func() time.Time
}

// NewVerifier returns a Verifier for secret. An empty secret is a configuration error.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: []byte(secret), nowF: time.Now}, nil
}

// Verify checks the signature header in headers against payload. Header lookup is case-insensitive.
// Returns nil or a *ValidationError.
func (v *Verifier) Verify(payload []byte, headers http.Header) error {
	raw, ok := lookupHeader(headers, SignatureHeader)
	if !ok || raw == "" {
		return &ValidationError{Err: ErrMissingSignature}
	}
	ts, digest, err := parseSignature(raw)
	if err != nil {
		return err
	}
	// Whole Unix seconds on both sides; sub-second clock precision must not shrink the window.
	skew := v.nowF().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(ReplayWindow/time.Second) {
		return &ValidationError{Err: ErrTimestampExpired, Detail: fmt.Sprintf("skew %ds", skew)}
	}
	expected := computeMAC(v.secret, ts, payload)
	if !hmac.Equal(expected, digest) {
		return &ValidationError{Err: ErrSignatureMismatch}
	}
	return nil
}

// Sign returns the signature header value for payload at time t.
func Sign(secret string, t time.Time, payload []byte) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeMAC([]byte(secret), ts, payload)))
}

func computeMAC(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignature(raw string) (int64, []byte, error) {
	m := signaturePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, nil, &ValidationError{Err: ErrMalformedSignature}
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, nil, &ValidationError{Err: ErrMalformedSignature, Detail: "timestamp out of range"}
	}
	digest, err := hex.DecodeString(m[2])
	if err != nil {
		return 0, nil, &ValidationError{Err: ErrMalformedSignature, Detail: "digest is not hex"}
	}
	return ts, digest, nil
}

// lookupHeader finds name in h ignoring case, including keys that were not canonicalized.
func lookupHeader(h http.Header, name string) (string, bool) {
	if vals := h.Values(name); len(vals) > 0 {
		return vals[0], true
	}
	for k, vals := range h {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0], true
		}
	}
	return "", false
}
