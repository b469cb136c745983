package signature

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const secret = "whsec_test"

var (
	signedAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	body     = []byte(`{"id":"evt_1","type":"invoice.paid","created":1777888800}`)
)

func fixedVerifier() Verifier {
	return Verifier{Tolerance: DefaultTolerance, Now: func() time.Time { return signedAt.Add(time.Minute) }}
}

func TestCheckAcceptsValidSignature(t *testing.T) {
	header := Sign(body, secret, signedAt)
	assert.NoError(t, fixedVerifier().Check(body, header, secret))
	assert.True(t, fixedVerifier().Verify(body, header, secret))
}

func TestCheckRejectsTamperedPayload(t *testing.T) {
	header := Sign(body, secret, signedAt)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] ^= 0x01

	assert.ErrorIs(t, fixedVerifier().Check(tampered, header, secret), ErrMismatch)
}

func TestCheckRejectsReserializedPayload(t *testing.T) {
	header := Sign(body, secret, signedAt)
	spaced := []byte(strings.Replace(string(body), ",", ", ", 1))

	assert.ErrorIs(t, fixedVerifier().Check(spaced, header, secret), ErrMismatch)
}

func TestCheckRejectsWrongSecret(t *testing.T) {
	header := Sign(body, "other", signedAt)
	assert.ErrorIs(t, fixedVerifier().Check(body, header, secret), ErrMismatch)
}

func TestCheckFailsClosed(t *testing.T) {
	v := fixedVerifier()
	valid := Sign(body, secret, signedAt)

	cases := map[string]struct {
		header string
		secret string
		want   error
	}{
		"missing header":  {header: "", secret: secret, want: ErrMissingHeader},
		"missing secret":  {header: valid, secret: "", want: ErrMissingSecret},
		"no timestamp":    {header: "v1=" + strings.Repeat("ab", 32), secret: secret, want: ErrMalformed},
		"no signature":    {header: "t=1777888800", secret: secret, want: ErrMalformed},
		"bad hex":         {header: "t=1777888800,v1=zz", secret: secret, want: ErrMalformed},
		"short signature": {header: "t=1777888800,v1=abcd", secret: secret, want: ErrMalformed},
		"bad timestamp":   {header: "t=abc,v1=" + strings.Repeat("ab", 32), secret: secret, want: ErrMalformed},
		"garbage":         {header: "garbage", secret: secret, want: ErrMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, v.Check(body, tc.header, tc.secret), tc.want)
			assert.False(t, v.Verify(body, tc.header, tc.secret))
		})
	}
}

func TestCheckAcceptsAnyOfSeveralSignatures(t *testing.T) {
	header := Sign(body, secret, signedAt)
	old := Sign(body, "rotated", signedAt)
	_, oldSig, _ := strings.Cut(old, ",")

	assert.NoError(t, fixedVerifier().Check(body, header+","+oldSig, secret))
	assert.NoError(t, fixedVerifier().Check(body, old+",v1="+strings.TrimPrefix(strings.SplitN(header, ",", 2)[1], "v1="), secret))
}

func TestCheckTolerance(t *testing.T) {
	header := Sign(body, secret, signedAt)

	late := Verifier{Tolerance: time.Minute, Now: func() time.Time { return signedAt.Add(10 * time.Minute) }}
	assert.ErrorIs(t, late.Check(body, header, secret), ErrExpired)

	noTolerance := Verifier{Now: late.Now}
	assert.NoError(t, noTolerance.Check(body, header, secret))
}
