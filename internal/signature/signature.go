// Package signature verifies that a webhook payload was produced by the
// payment processor.
//
// The signature header has the form
//
//	t=1717000000,v1=5257a869e7ec...,v1=...
//
// where each v1 value is hex(HMAC-SHA256(secret, "<t>." + rawBody)). More than
// one v1 value is accepted so the processor can roll secrets.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHeader = errors.New("signature: missing header")
	ErrMissingSecret = errors.New("signature: missing secret")
	ErrMalformed     = errors.New("signature: malformed header")
	ErrExpired       = errors.New("signature: timestamp outside tolerance")
	ErrMismatch      = errors.New("signature: no matching signature")
)

// DefaultTolerance bounds the age of a signed timestamp.
const DefaultTolerance = 5 * time.Minute

// Verifier checks signature headers. The zero value accepts any timestamp.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify reports whether header carries a valid signature of payload. It
// fails closed: any parse error yields false.
func Verify(payload []byte, header, secret string) bool {
	v := Verifier{Tolerance: DefaultTolerance}
	return v.Check(payload, header, secret) == nil
}

// Verify is the boolean form of Check.
func (v Verifier) Verify(payload []byte, header, secret string) bool {
	return v.Check(payload, header, secret) == nil
}

// Check returns nil when header carries a valid signature of payload made with
// secret, otherwise the reason it was rejected. payload must be the raw body
// exactly as received.
func (v Verifier) Check(payload []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingHeader
	}
	if secret == "" {
		return ErrMissingSecret
	}

	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	if v.Tolerance > 0 {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		age := now().Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > v.Tolerance {
			return ErrExpired
		}
	}

	expected := compute(payload, secret, ts)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrMismatch
}

// Sign builds a header for payload as the processor would at time t.
func Sign(payload []byte, secret string, t time.Time) string {
	ts := t.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(compute(payload, secret, ts))
}

func compute(payload []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseHeader(header string) (int64, [][]byte, error) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformed
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n <= 0 {
				return 0, nil, ErrMalformed
			}
			ts, hasTS = n, true
		case "v1":
			b, err := hex.DecodeString(strings.ToLower(value))
			if err != nil || len(b) != sha256.Size {
				return 0, nil, ErrMalformed
			}
			sigs = append(sigs, b)
		default:
			// unknown schemes are ignored
		}
	}
	if !hasTS || len(sigs) == 0 {
		return 0, nil, ErrMalformed
	}
	return ts, sigs, nil
}
