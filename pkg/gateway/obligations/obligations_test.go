package obligations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/gateway/session"
)

func int64p(v int64) *int64 { return &v }

func TestParamsFromJSON(t *testing.T) {
	p := ParamsFromJSON([]byte(`{"orderId":"order-1001","amount_cents":1200,"merchant_id":"mcp-tix"}`))
	assert.Equal(t, "order-1001", p.OrderID)
	require.NotNil(t, p.AmountCents)
	assert.Equal(t, int64(1200), *p.AmountCents)
	assert.Equal(t, "mcp-tix", p.MerchantID)

	empty := ParamsFromJSON(nil)
	assert.Empty(t, empty.OrderID)
	assert.Nil(t, empty.AmountCents)

	garbage := ParamsFromJSON([]byte("not json"))
	assert.Empty(t, garbage.OrderID)
}

func TestEnforceOrderBinding(t *testing.T) {
	ob := session.Obligations{BindOrder: "order-1001"}
	now := time.Now()

	err := Enforce(ob, Params{OrderID: "order-1001"}, now, now)
	require.NoError(t, err)

	err = Enforce(ob, Params{OrderID: "order-9999"}, now, now)
	require.ErrorIs(t, err, ErrOrderMismatch)

	err = Enforce(ob, Params{}, now, now)
	require.ErrorIs(t, err, ErrOrderMismatch)
}

func TestEnforceAmountCap(t *testing.T) {
	ob := session.Obligations{MaxAmountCents: int64p(2000)}
	now := time.Now()

	require.NoError(t, Enforce(ob, Params{AmountCents: int64p(1200)}, now, now))
	require.NoError(t, Enforce(ob, Params{AmountCents: int64p(2000)}, now, now))

	err := Enforce(ob, Params{AmountCents: int64p(3000)}, now, now)
	require.ErrorIs(t, err, ErrAmountExceedsMax)

	err = Enforce(ob, Params{}, now, now)
	require.ErrorIs(t, err, ErrAmountExceedsMax)
}

func TestEnforceMerchantAllowlist(t *testing.T) {
	ob := session.Obligations{MerchantAllowlist: []string{"mcp-tix"}}
	now := time.Now()

	require.NoError(t, Enforce(ob, Params{MerchantID: "mcp-tix"}, now, now))

	err := Enforce(ob, Params{MerchantID: "evil-shop"}, now, now)
	require.ErrorIs(t, err, ErrMerchantNotAllowed)
}

func TestEnforceTTL(t *testing.T) {
	ob := session.Obligations{TTLSeconds: 1}
	issued := time.Now()

	require.NoError(t, Enforce(ob, Params{}, issued, issued.Add(500*time.Millisecond)))

	err := Enforce(ob, Params{}, issued, issued.Add(2*time.Second))
	require.ErrorIs(t, err, ErrTTLExpired)
}

func TestEnforceOrderShortCircuits(t *testing.T) {
	// Binding is checked before amount, merchant, and TTL.
	ob := session.Obligations{
		BindOrder:         "order-1001",
		MaxAmountCents:    int64p(100),
		MerchantAllowlist: []string{"mcp-tix"},
		TTLSeconds:        1,
	}
	issued := time.Now().Add(-time.Hour)

	err := Enforce(ob, Params{OrderID: "wrong", AmountCents: int64p(9999), MerchantID: "evil"}, issued, time.Now())
	require.ErrorIs(t, err, ErrOrderMismatch)

	// With binding satisfied, amount is next.
	err = Enforce(ob, Params{OrderID: "order-1001", AmountCents: int64p(9999), MerchantID: "evil"}, issued, time.Now())
	require.ErrorIs(t, err, ErrAmountExceedsMax)

	// Then merchant.
	err = Enforce(ob, Params{OrderID: "order-1001", AmountCents: int64p(50), MerchantID: "evil"}, issued, time.Now())
	require.ErrorIs(t, err, ErrMerchantNotAllowed)

	// Then TTL.
	err = Enforce(ob, Params{OrderID: "order-1001", AmountCents: int64p(50), MerchantID: "mcp-tix"}, issued, time.Now())
	require.ErrorIs(t, err, ErrTTLExpired)
}

func TestEnforceNoObligations(t *testing.T) {
	now := time.Now()
	require.NoError(t, Enforce(session.Obligations{}, Params{OrderID: "x", MerchantID: "y"}, now, now))
}
