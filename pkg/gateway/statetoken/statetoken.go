// Package statetoken implements the signed OAuth state envelope that binds
// an authorization callback to the gateway session that initiated it.
//
// Wire format: base64url(payload JSON) "." base64url(HMAC-SHA256(payload)).
// The envelope is opaque to both the authorization server and the agent;
// only the gateway holds the signing secret.
package statetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Verification errors. Callers distinguish them with errors.Is.
var (
	// ErrMalformedState indicates the token is not two base64url segments.
	ErrMalformedState = errors.New("malformed state token")

	// ErrBadSignature indicates the HMAC tag does not match the payload.
	ErrBadSignature = errors.New("bad state signature")

	// ErrBadPayload indicates the payload is not a valid state payload.
	ErrBadPayload = errors.New("bad state payload")
)

// Payload is the signed content of a state token.
type Payload struct {
	SID       string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
	Audience  string `json:"aud"`
	Scope     string `json:"scope"`
	Nonce     string `json:"n"`
	CtxDigest string `json:"ctx_digest"`
}

// Signer signs and verifies state tokens with a process-wide secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer keyed with the given secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("state signing secret must not be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign serializes the payload and appends its HMAC-SHA256 tag.
func (s *Signer) Sign(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode state payload: %w", err)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)

	return base64.RawURLEncoding.EncodeToString(raw) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the token's signature in constant time and returns the
// decoded payload.
func (s *Signer) Verify(token string) (*Payload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrMalformedState
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	tag, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, ErrBadSignature
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.SID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrBadPayload)
	}

	return &p, nil
}

// ContextDigest computes a deterministic SHA-256 digest of a context map by
// serializing its keys in sorted order. An empty or nil context digests the
// empty JSON object.
func ContextDigest(ctx map[string]any) string {
	if ctx == nil {
		ctx = map[string]any{}
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(ctx[k])
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
