package contexts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbist/conductor/internal/manifest"
)

func staticBuilder(value any) Builder {
	return BuilderFunc(func(context.Context, map[string]any, *Options) (any, error) {
		return value, nil
	})
}

func failingBuilder(err error) Builder {
	return BuilderFunc(func(context.Context, map[string]any, *Options) (any, error) {
		return nil, err
	})
}

func TestResolveBundle(t *testing.T) {
	reg := NewRegistry()
	reg.Register("pricing", staticBuilder(map[string]any{"plan": "pro"}))
	reg.Register("crm", staticBuilder(map[string]any{"lead": "lead_42"}))

	bundle, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "pricingContext", Builder: "pricing", Required: true},
		{Name: "crmContext", Builder: "crm", Required: false},
	}, map[string]any{}, nil)

	require.NoError(t, err)
	require.Len(t, bundle, 2)
	assert.Equal(t, map[string]any{"plan": "pro"}, bundle["pricingContext"])
	assert.Equal(t, map[string]any{"lead": "lead_42"}, bundle["crmContext"])
}

func TestResolveRequiredBuilderMissing(t *testing.T) {
	reg := NewRegistry()

	bundle, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "pricingContext", Builder: "pricing", Required: true},
	}, map[string]any{}, nil)

	require.ErrorIs(t, err, ErrMissingContext)
	assert.Nil(t, bundle)
}

func TestResolveOptionalBuilderMissing(t *testing.T) {
	reg := NewRegistry()
	reg.Register("crm", staticBuilder("crm data"))

	bundle, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "crmContext", Builder: "crm", Required: false},
		{Name: "extraContext", Builder: "nonexistent", Required: false},
	}, map[string]any{}, nil)

	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.Equal(t, "crm data", bundle["crmContext"])
}

func TestResolveRequiredBuilderFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", failingBuilder(errors.New("db unavailable")))

	_, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "coreContext", Builder: "broken", Required: true},
	}, map[string]any{}, nil)

	require.ErrorIs(t, err, ErrMissingContext)
	assert.Contains(t, err.Error(), "db unavailable")
}

func TestResolveOptionalBuilderFailureSwallowed(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", failingBuilder(errors.New("db unavailable")))
	reg.Register("ok", staticBuilder("fine"))

	bundle, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "flakyContext", Builder: "broken", Required: false},
		{Name: "okContext", Builder: "ok", Required: true},
	}, map[string]any{}, nil)

	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.Equal(t, "fine", bundle["okContext"])
}

func TestResolveBuilderPanicIsolated(t *testing.T) {
	reg := NewRegistry()
	reg.Register("panicky", BuilderFunc(func(context.Context, map[string]any, *Options) (any, error) {
		panic("boom")
	}))

	_, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "unstableContext", Builder: "panicky", Required: true},
	}, map[string]any{}, nil)

	require.ErrorIs(t, err, ErrMissingContext)
	assert.Contains(t, err.Error(), "builder panic")
}

func TestResolveNilValueDropped(t *testing.T) {
	reg := NewRegistry()
	reg.Register("empty", staticBuilder(nil))

	bundle, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "emptyContext", Builder: "empty", Required: true},
	}, map[string]any{}, nil)

	require.NoError(t, err)
	assert.Empty(t, bundle)
}

func TestResolvePassesOptions(t *testing.T) {
	reg := NewRegistry()
	var seen *Options
	reg.Register("capture", BuilderFunc(func(_ context.Context, _ map[string]any, opts *Options) (any, error) {
		seen = opts
		return "v", nil
	}))

	opts := &Options{BrandID: "brand_1", TenantID: "tenant_1", Role: "admin"}
	_, err := reg.Resolve(context.Background(), []manifest.ContextRequirement{
		{Name: "c", Builder: "capture", Required: true},
	}, map[string]any{}, opts)

	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "brand_1", seen.BrandID)
	assert.Equal(t, "tenant_1", seen.TenantID)
}

func TestEntityID(t *testing.T) {
	tests := []struct {
		name string
		task map[string]any
		want string
	}{
		{"product id", map[string]any{"productId": "prod_1"}, "prod_1"},
		{"precedence over generic id", map[string]any{"id": "x", "leadId": "lead_9"}, "lead_9"},
		{"generic id fallback", map[string]any{"id": "generic_3"}, "generic_3"},
		{"empty values skipped", map[string]any{"productId": "", "ticketId": "tck_7"}, "tck_7"},
		{"non-string ignored", map[string]any{"productId": 42}, ""},
		{"none", map[string]any{"other": "v"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EntityID(tt.task))
		})
	}
}
