// Package obligations enforces the per-request constraints that the
// authorizer attaches to a session: order binding, amount caps, merchant
// allowlists, and obligation age (TTL).
//
// Checks run in a fixed order (binding, amount, merchant, TTL) and the
// first violation short-circuits. TTL expiry is distinct because it forces
// re-authorization rather than merely rejecting the request.
package obligations

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/pkg/gateway/session"
)

// Enforcement errors. ErrTTLExpired additionally requires the caller to
// clear the session's token.
var (
	ErrOrderMismatch      = errors.New("orderId mismatch")
	ErrAmountExceedsMax   = errors.New("amount exceeds max")
	ErrMerchantNotAllowed = errors.New("merchant not allowed")
	ErrTTLExpired         = errors.New("obligation ttl expired")
)

// Params are the request fields the obligation checks inspect.
type Params struct {
	OrderID     string
	AmountCents *int64
	MerchantID  string
}

// ParamsFromJSON extracts obligation-relevant fields from a JSON request
// body. Missing fields stay zero-valued; obligations that need them fail on
// mismatch.
func ParamsFromJSON(body []byte) Params {
	var p Params
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return p
	}
	p.OrderID = gjson.GetBytes(body, "orderId").String()
	if amount := gjson.GetBytes(body, "amount_cents"); amount.Exists() {
		v := amount.Int()
		p.AmountCents = &v
	}
	p.MerchantID = gjson.GetBytes(body, "merchant_id").String()
	return p
}

// Enforce checks the request parameters against the session's obligation
// set. issuedAt is when the obligations were produced; now is the request
// time.
func Enforce(ob session.Obligations, p Params, issuedAt, now time.Time) error {
	if ob.BindOrder != "" && p.OrderID != ob.BindOrder {
		return fmt.Errorf("%w: request order %q, bound to %q", ErrOrderMismatch, p.OrderID, ob.BindOrder)
	}

	if ob.MaxAmountCents != nil {
		if p.AmountCents == nil {
			return fmt.Errorf("%w: request carries no amount_cents", ErrAmountExceedsMax)
		}
		if *p.AmountCents > *ob.MaxAmountCents {
			return fmt.Errorf("%w: %d > %d", ErrAmountExceedsMax, *p.AmountCents, *ob.MaxAmountCents)
		}
	}

	if len(ob.MerchantAllowlist) > 0 {
		allowed := false
		for _, merchant := range ob.MerchantAllowlist {
			if merchant == p.MerchantID {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %q", ErrMerchantNotAllowed, p.MerchantID)
		}
	}

	if ob.TTLSeconds > 0 && now.Sub(issuedAt) > time.Duration(ob.TTLSeconds)*time.Second {
		return fmt.Errorf("%w: issued %s ago, ttl %ds", ErrTTLExpired, now.Sub(issuedAt).Truncate(time.Second), ob.TTLSeconds)
	}

	return nil
}
