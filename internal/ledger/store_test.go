package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordUsageAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordUsage(ctx, "acme", "pricing-strategist", now, 0.10, 1000))
	require.NoError(t, s.RecordUsage(ctx, "acme", "pricing-strategist", now, 0.05, 500))
	require.NoError(t, s.RecordUsage(ctx, "acme", "crm-assistant", now, 0.20, 2000))

	agent, err := s.AgentDailyUsage(ctx, "acme", "pricing-strategist", now)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, agent.CostEUR, 1e-9)
	assert.EqualValues(t, 1500, agent.Tokens)

	tenant, err := s.TenantDailyUsage(ctx, "acme", now)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, tenant.CostEUR, 1e-9)
	assert.EqualValues(t, 3500, tenant.Tokens)
}

func TestRecordUsageDayBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 11, 0, 1, 0, 0, time.UTC)

	require.NoError(t, s.RecordUsage(ctx, "acme", "a", day1, 1.0, 100))
	require.NoError(t, s.RecordUsage(ctx, "acme", "a", day2, 2.0, 200))

	u1, err := s.AgentDailyUsage(ctx, "acme", "a", day1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, u1.CostEUR, 1e-9)

	u2, err := s.AgentDailyUsage(ctx, "acme", "a", day2)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, u2.CostEUR, 1e-9)
}

func TestRecordUsageConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RecordUsage(ctx, "acme", "a", now, 0.01, 10)
		}()
	}
	wg.Wait()

	u, err := s.AgentDailyUsage(ctx, "acme", "a", now)
	require.NoError(t, err)
	assert.InDelta(t, 0.20, u.CostEUR, 1e-9)
	assert.EqualValues(t, 200, u.Tokens)
}

func TestAppendAndListMonitoring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &MonitoringEvent{
		RunID:     "run_1",
		Category:  "pipeline",
		Status:    "success",
		RiskLevel: RiskLow,
		AgentID:   "pricing-strategist",
		Namespace: "os.pipeline",
		TenantID:  "acme",
		Metric:    map[string]any{"latency_ms": 412.0},
	}
	require.NoError(t, s.AppendMonitoring(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	events, err := s.ListMonitoring(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pipeline", events[0].Category)
	assert.Equal(t, 412.0, events[0].Metric["latency_ms"])
}

func TestAppendAndListSafety(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSafety(ctx, &SafetyEvent{
		RunID:     "run_2",
		Category:  "prompt_blocklist",
		Status:    "blocked",
		RiskLevel: RiskHigh,
		AgentID:   "media-creative",
		Namespace: "media.chain",
		TenantID:  "acme",
		Detail:    map[string]any{"term": "gore"},
	}))

	events, err := s.ListSafety(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, RiskHigh, events[0].RiskLevel)

	// Other tenants see nothing.
	other, err := s.ListSafety(ctx, "umbrella", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
