package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background())
	require.NoError(t, err)
	return e
}

func TestEvaluateBudget(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		name    string
		in      BudgetInput
		allowed bool
		reason  string
	}{
		{
			name:    "within all limits",
			in:      BudgetInput{EstimatedEUR: 0.01, EstimatedTokens: 500, Limits: BudgetLimits{PerRunEUR: 0.5, MaxRunTokens: 4000, AgentDailyEUR: 10, TenantDailyEUR: 100}},
			allowed: true,
		},
		{
			name:    "zero limits mean no limit",
			in:      BudgetInput{EstimatedEUR: 99, EstimatedTokens: 1 << 20},
			allowed: true,
		},
		{
			name:    "per-run cost exceeded",
			in:      BudgetInput{EstimatedEUR: 0.6, Limits: BudgetLimits{PerRunEUR: 0.5}},
			allowed: false,
			reason:  "per-run limit",
		},
		{
			name:    "token ceiling exceeded",
			in:      BudgetInput{EstimatedTokens: 5000, Limits: BudgetLimits{MaxRunTokens: 4000}},
			allowed: false,
			reason:  "tokens exceed",
		},
		{
			name:    "agent daily ceiling would be crossed",
			in:      BudgetInput{EstimatedEUR: 0.2, AgentDailyEUR: 9.9, Limits: BudgetLimits{AgentDailyEUR: 10}},
			allowed: false,
			reason:  "agent daily spend",
		},
		{
			name:    "tenant daily ceiling would be crossed",
			in:      BudgetInput{EstimatedEUR: 1, TenantDailyEUR: 99.5, Limits: BudgetLimits{TenantDailyEUR: 100}},
			allowed: false,
			reason:  "tenant daily spend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			d, err := e.EvaluateBudget(context.Background(), &in)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				require.NotEmpty(t, d.Reasons)
				assert.Contains(t, d.Reasons[0], tt.reason)
				assert.Equal(t, "deny", d.Action)
			}
		})
	}
}

func TestEvaluatePromptSafety(t *testing.T) {
	e := newEngine(t)

	t.Run("clean prompt allowed", func(t *testing.T) {
		d, err := e.EvaluatePromptSafety(context.Background(), "a product photo of a ceramic mug on a wooden table")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("blocked term denies", func(t *testing.T) {
		d, err := e.EvaluatePromptSafety(context.Background(), "hyperrealistic GORE scene")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		require.NotEmpty(t, d.Reasons)
		assert.Contains(t, d.Reasons[0], "blocked term")
	})

	t.Run("match is case-insensitive substring", func(t *testing.T) {
		d, err := e.EvaluatePromptSafety(context.Background(), "depict a Self-Harm awareness poster")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})
}
