package authorizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/pkg/logger"
)

// Obligations is the obligation set emitted with an allow decision. Field
// names match what the gateway enforces.
type Obligations struct {
	BindOrder         string   `json:"bind_order,omitempty"`
	MaxAmountCents    *int64   `json:"max_amount_cents,omitempty"`
	MerchantAllowlist []string `json:"merchant_allowlist,omitempty"`
	TTLSeconds        int64    `json:"ttl,omitempty"`
}

// EvaluateRequest is the input of a policy evaluation.
type EvaluateRequest struct {
	Subject         string         `json:"subject"`
	AgentID         string         `json:"agent_id"`
	ToolID          string         `json:"tool_id"`
	Audience        string         `json:"audience"`
	RequestedScopes []string       `json:"requested_scopes"`
	Context         map[string]any `json:"context,omitempty"`
}

// EvaluateResponse is the policy decision.
type EvaluateResponse struct {
	Allow       bool        `json:"allow"`
	Scopes      []string    `json:"scopes,omitempty"`
	Obligations Obligations `json:"obligations"`
	Reason      string      `json:"reason,omitempty"`
}

// ConsentRequest is the input of a consent decision.
type ConsentRequest struct {
	Subject  string   `json:"subject"`
	AgentID  string   `json:"agent_id"`
	ToolID   string   `json:"tool_id"`
	Audience string   `json:"audience"`
	Scopes   []string `json:"scopes"`
	Explicit bool     `json:"explicit"`
}

// ConsentResponse is the consent decision.
type ConsentResponse struct {
	Allow    bool   `json:"allow"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Engine evaluates policy against the delegation store.
type Engine struct {
	store DelegationStore

	// allowWithoutDelegation switches the no-delegation path between the
	// permissive demo behavior and a strict deny.
	allowWithoutDelegation bool

	now func() time.Time
}

// NewEngine creates a policy engine over the given store.
func NewEngine(store DelegationStore, allowWithoutDelegation bool) *Engine {
	return &Engine{
		store:                  store,
		allowWithoutDelegation: allowWithoutDelegation,
		now:                    time.Now,
	}
}

// Evaluate decides whether the agent may act, which scopes apply, and which
// obligations the gateway must enforce.
func (e *Engine) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	if req.Subject == "" || req.AgentID == "" || req.ToolID == "" {
		return nil, fmt.Errorf("subject, agent_id, and tool_id are required")
	}

	d, err := e.store.Get(ctx, req.Subject, req.AgentID, req.ToolID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("delegation lookup failed: %w", err)
		}
		if !e.allowWithoutDelegation {
			logger.Infow("Evaluation denied, no delegation", "subject", req.Subject, "agent", req.AgentID, "tool", req.ToolID)
			return &EvaluateResponse{Allow: false, Reason: "no delegation"}, nil
		}
		// Demo mode: allow with minimal obligations.
		return &EvaluateResponse{
			Allow:       true,
			Scopes:      req.RequestedScopes,
			Obligations: e.baseObligations(req.Context, nil),
		}, nil
	}

	scopes := intersect(req.RequestedScopes, d.Scopes)
	if len(scopes) == 0 {
		// Demo fallback: grant what the user actually delegated.
		scopes = d.Scopes
	}
	if len(scopes) == 0 {
		return &EvaluateResponse{Allow: false, Reason: "delegation grants no scopes"}, nil
	}

	if d.Constraints != nil {
		if reason := checkConstraints(d.Constraints, req.Context); reason != "" {
			logger.Infow("Evaluation denied by constraint", "subject", req.Subject, "tool", req.ToolID, "reason", reason)
			return &EvaluateResponse{Allow: false, Reason: reason}, nil
		}
	}

	return &EvaluateResponse{
		Allow:       true,
		Scopes:      scopes,
		Obligations: e.baseObligations(req.Context, d.Constraints),
	}, nil
}

// Consent decides whether the grant may proceed without user interaction.
func (e *Engine) Consent(ctx context.Context, req *ConsentRequest) (*ConsentResponse, error) {
	d, err := e.store.Get(ctx, req.Subject, req.AgentID, req.ToolID)
	if err == nil && d.Covers(req.Scopes) {
		return &ConsentResponse{
			Allow:    true,
			RecordID: fmt.Sprintf("auto-%d", e.now().Unix()),
		}, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("delegation lookup failed: %w", err)
	}

	if req.Explicit {
		return &ConsentResponse{
			Allow:    true,
			RecordID: fmt.Sprintf("exp-%d", e.now().Unix()),
		}, nil
	}
	return &ConsentResponse{Allow: false, Reason: "explicit_required"}, nil
}

// baseObligations builds the obligation set for an allow decision.
func (e *Engine) baseObligations(reqCtx map[string]any, c *Constraints) Obligations {
	ob := Obligations{TTLSeconds: DefaultObligationTTL}
	if orderID, ok := reqCtx["orderId"].(string); ok && orderID != "" {
		ob.BindOrder = orderID
	}
	if c != nil {
		ob.MaxAmountCents = c.MaxAmountCents
		ob.MerchantAllowlist = c.Merchants
	}
	return ob
}

// checkConstraints tests the request context against delegation constraints
// and returns a denial reason, or empty when satisfied.
func checkConstraints(c *Constraints, reqCtx map[string]any) string {
	if c.MaxAmountCents != nil {
		if amount, ok := contextAmount(reqCtx); ok && amount > *c.MaxAmountCents {
			return "amount exceeds delegation limit"
		}
	}
	if len(c.Merchants) > 0 {
		if merchant, ok := reqCtx["merchant_id"].(string); ok && merchant != "" {
			found := false
			for _, m := range c.Merchants {
				if m == merchant {
					found = true
					break
				}
			}
			if !found {
				return "merchant not delegated"
			}
		}
	}
	return ""
}

// contextAmount reads amount_cents from the free-form context. JSON numbers
// decode as float64.
func contextAmount(reqCtx map[string]any) (int64, bool) {
	switch v := reqCtx["amount_cents"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}
