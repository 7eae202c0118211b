// Package requestctx provides request-scoped values (tenant, brand, correlation id)
// set by HTTP middleware or CLI entry points and read by the pipeline and event bus.
package requestctx

import "context"

type tenantIDKey struct{}
type brandIDKey struct{}
type correlationIDKey struct{}

// SetTenantID stores the tenant id in the context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantID returns the tenant id from context, or "" if not set.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey{}).(string)
	return v
}

// SetBrandID stores the brand id in the context.
func SetBrandID(ctx context.Context, brandID string) context.Context {
	return context.WithValue(ctx, brandIDKey{}, brandID)
}

// BrandID returns the brand id from context, or "" if not set.
func BrandID(ctx context.Context) string {
	v, _ := ctx.Value(brandIDKey{}).(string)
	return v
}

// SetCorrelationID stores the correlation id in the context. The event bus
// reads this as the call-scoped fallback before minting a fresh id.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation id from context, or "" if not set.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey{}).(string)
	return v
}
