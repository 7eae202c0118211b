package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbist/conductor/internal/testutil"
)

func TestManagerValidateRequestTenantNotFound(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme", RateLimit: 10}}, testutil.NewTestLedger(t))
	err := m.ValidateRequest(context.Background(), "other")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestManagerValidateRequestAllowed(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme", DailyBudgetEUR: 100, RateLimit: 100}}, testutil.NewTestLedger(t))
	assert.NoError(t, m.ValidateRequest(context.Background(), "acme"))
}

func TestManagerValidateRequestNilLedger(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme", DailyBudgetEUR: 100}}, nil)
	assert.NoError(t, m.ValidateRequest(context.Background(), "acme"))
}

func TestManagerValidateRequestBudgetExceeded(t *testing.T) {
	store := testutil.NewTestLedger(t)
	ctx := context.Background()
	require.NoError(t, store.RecordUsage(ctx, "acme", "lead-scorer", time.Now().UTC(), 150, 5000))

	m := NewManager([]Tenant{{ID: "acme", DailyBudgetEUR: 100}}, store)
	err := m.ValidateRequest(ctx, "acme")
	assert.ErrorIs(t, err, ErrDailyBudgetExceeded)
}

func TestManagerValidateRequestRateLimited(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme", RateLimit: 1}}, nil)
	ctx := context.Background()

	// burst is 2x the per-second rate; drain it, then the next call fails
	require.NoError(t, m.ValidateRequest(ctx, "acme"))
	require.NoError(t, m.ValidateRequest(ctx, "acme"))
	assert.ErrorIs(t, m.ValidateRequest(ctx, "acme"), ErrRateLimitExceeded)
}

func TestManagerDailyBudgetEUR(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme", DailyBudgetEUR: 40}}, nil)
	assert.Equal(t, 40.0, m.DailyBudgetEUR("acme"))
	assert.Equal(t, 0.0, m.DailyBudgetEUR("unknown"))
}
