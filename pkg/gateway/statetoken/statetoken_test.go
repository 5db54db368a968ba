package statetoken

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("test-secret")
	require.NoError(t, err)
	return s
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	p := Payload{
		SID:       "sid-1",
		IssuedAt:  1700000000,
		Audience:  "http://localhost:9091",
		Scope:     "payments:charge",
		Nonce:     "n-1",
		CtxDigest: ContextDigest(map[string]any{"orderId": "order-1001"}),
	}

	token, err := s.Sign(p)
	require.NoError(t, err)

	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p, *got)
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := newTestSigner(t)

	token, err := s.Sign(Payload{SID: "sid-1", Audience: "aud", Scope: "echo:read"})
	require.NoError(t, err)

	// Flip a byte in the payload segment.
	parts := strings.Split(token, ".")
	mutated := "A" + parts[0][1:]
	if mutated == parts[0] {
		mutated = "B" + parts[0][1:]
	}
	_, err = s.Verify(mutated + "." + parts[1])
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	s := newTestSigner(t)
	other, err := NewSigner("other-secret")
	require.NoError(t, err)

	token, err := s.Sign(Payload{SID: "sid-1"})
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyMalformed(t *testing.T) {
	s := newTestSigner(t)

	for _, token := range []string{"", "no-dot", "a.b.c", "!!!.###"} {
		_, err := s.Verify(token)
		assert.ErrorIs(t, err, ErrMalformedState, "token %q", token)
	}
}

func TestVerifyBadPayload(t *testing.T) {
	s := newTestSigner(t)

	// Valid signature over a payload without a sid.
	token, err := s.Sign(Payload{})
	require.NoError(t, err)
	_, err = s.Verify(token)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestContextDigestDeterministic(t *testing.T) {
	a := ContextDigest(map[string]any{"orderId": "o-1", "amount_cents": 1200})
	b := ContextDigest(map[string]any{"amount_cents": 1200, "orderId": "o-1"})
	assert.Equal(t, a, b)

	assert.Equal(t, ContextDigest(nil), ContextDigest(map[string]any{}))
	assert.NotEqual(t, a, ContextDigest(map[string]any{"orderId": "o-2", "amount_cents": 1200}))
}

func TestNewSignerEmptySecret(t *testing.T) {
	_, err := NewSigner("")
	require.Error(t, err)
}
