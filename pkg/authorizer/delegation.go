// Package authorizer implements the delegation policy service: it stores
// user-signed delegations, evaluates (subject, agent, tool, context) tuples
// into allowed scopes plus obligations, and decides consent.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultObligationTTL is the ttl obligation attached to every allow
// decision, in seconds.
const DefaultObligationTTL = 900

// Store errors.
var (
	// ErrNotFound indicates no live delegation exists for the key.
	ErrNotFound = errors.New("delegation not found")
)

// Constraints bound what a delegation permits beyond scopes.
type Constraints struct {
	// MaxAmountCents caps payment amounts. Nil means unbounded.
	MaxAmountCents *int64 `json:"max_amount_cents,omitempty"`

	// Merchants restricts merchant identifiers. Empty means any.
	Merchants []string `json:"merchants,omitempty"`
}

// Delegation is a verified, stored grant from a user to an agent for one
// tool. At most one delegation exists per (subject, agent_id, tool_id);
// newer writes replace older ones.
type Delegation struct {
	Subject string `json:"subject"`
	AgentID string `json:"agent_id"`
	ToolID  string `json:"tool_id"`

	Scopes   []string `json:"scopes"`
	NotAfter int64    `json:"not_after"`
	Issuer   string   `json:"iss,omitempty"`

	Constraints *Constraints `json:"constraints,omitempty"`

	// Envelope and PublicJWK preserve the original signed credential and
	// its verification key for audit.
	Envelope  string `json:"-"`
	PublicJWK string `json:"-"`

	UpdatedAt time.Time `json:"-"`
}

// Validate checks the structural rules on a delegation's claims.
func (d *Delegation) Validate() error {
	if d.Subject == "" || d.AgentID == "" || d.ToolID == "" {
		return fmt.Errorf("subject, agent_id, and tool_id are required")
	}
	if len(d.Scopes) == 0 {
		return fmt.Errorf("scopes must not be empty")
	}
	if d.NotAfter <= 0 {
		return fmt.Errorf("not_after (or exp) is required")
	}
	if d.Constraints != nil && d.Constraints.MaxAmountCents != nil && *d.Constraints.MaxAmountCents <= 0 {
		return fmt.Errorf("max_amount_cents must be positive")
	}
	return nil
}

// Expired reports whether the delegation's validity window has passed.
func (d *Delegation) Expired(now time.Time) bool {
	return now.Unix() > d.NotAfter
}

// Covers reports whether every requested scope is delegated.
func (d *Delegation) Covers(scopes []string) bool {
	for _, want := range scopes {
		found := false
		for _, have := range d.Scopes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DelegationStore is the persistence contract for delegations. The sqlite
// implementation lives in the store subpackage.
type DelegationStore interface {
	// Upsert writes the delegation, replacing any previous one for the same
	// (subject, agent_id, tool_id).
	Upsert(ctx context.Context, d *Delegation) error

	// Get returns the live delegation for the key; expired rows report
	// ErrNotFound.
	Get(ctx context.Context, subject, agentID, toolID string) (*Delegation, error)

	// List returns all stored delegations, expired ones included.
	List(ctx context.Context) ([]*Delegation, error)

	// Delete removes the delegation for the key.
	Delete(ctx context.Context, subject, agentID, toolID string) error

	Close() error
}
