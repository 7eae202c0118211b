package insight

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "insight.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ins := &Insight{
		BrandID:    "brand_1",
		TenantID:   "tenant_1",
		EntityType: EntityAgent,
		EntityID:   "prod_42",
		AgentID:    "pricing-strategist",
		Snapshot:   Snapshot(map[string]any{"summary": "hold prices"}, nil, nil, nil),
	}
	require.NoError(t, store.Save(ctx, ins))

	assert.True(t, strings.HasPrefix(ins.ID, "ins_"))
	assert.Equal(t, Domain, ins.Domain)
	assert.False(t, ins.CreatedAt.IsZero())

	results, err := store.List(ctx, Filter{TenantID: "tenant_1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "prod_42", results[0].EntityID)
	assert.Contains(t, results[0].Snapshot, "hold prices")
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Insight{
		BrandID: "brand_1", TenantID: "tenant_1",
		EntityType: EntityAgent, EntityID: "a", AgentID: "ag1", Snapshot: "{}",
	}))
	require.NoError(t, store.Save(ctx, &Insight{
		BrandID: "brand_1", TenantID: "tenant_1",
		EntityType: EntityPendingApproval, EntityID: "b", AgentID: "ag2", Snapshot: "{}",
	}))
	require.NoError(t, store.Save(ctx, &Insight{
		BrandID: "brand_2", TenantID: "tenant_2",
		EntityType: EntityAgent, EntityID: "c", AgentID: "ag3", Snapshot: "{}",
	}))

	pending, err := store.List(ctx, Filter{TenantID: "tenant_1", EntityType: EntityPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].EntityID)

	byBrand, err := store.List(ctx, Filter{BrandID: "brand_2"})
	require.NoError(t, err)
	require.Len(t, byBrand, 1)
	assert.Equal(t, "tenant_2", byBrand[0].TenantID)

	limited, err := store.List(ctx, Filter{TenantID: "tenant_1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSnapshotBounded(t *testing.T) {
	huge := strings.Repeat("x", MaxSnapshotLen*2)
	snap := Snapshot(huge, nil, nil, nil)
	assert.LessOrEqual(t, len(snap), MaxSnapshotLen)
}

func TestSaveTruncatesOversizeSnapshot(t *testing.T) {
	store := newTestStore(t)
	ins := &Insight{
		BrandID: "brand_1", TenantID: "tenant_1",
		EntityType: EntityAgent, EntityID: "a", AgentID: "ag",
		Snapshot: strings.Repeat("y", MaxSnapshotLen+500),
	}
	require.NoError(t, store.Save(context.Background(), ins))
	assert.Len(t, ins.Snapshot, MaxSnapshotLen)
}
