// Package tenant provides multi-tenant admission control: per-tenant request
// rate limiting and daily spend ceilings checked against the usage ledger.
package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orbist/conductor/internal/ledger"
)

var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrDailyBudgetExceeded = errors.New("tenant daily budget exceeded")
)

// Tenant holds per-tenant admission configuration.
type Tenant struct {
	ID             string  `yaml:"id"`
	DisplayName    string  `yaml:"displayName"`
	DailyBudgetEUR float64 `yaml:"dailyBudgetEUR"` // 0 means no limit
	RateLimit      int     `yaml:"rateLimit"`      // requests per second; 0 means no limit
}

// Manager validates incoming requests per tenant and exposes tenant budget
// ceilings to the pipeline's admission check.
type Manager struct {
	tenants  map[string]*Tenant
	limiters map[string]*rate.Limiter
	ledger   *ledger.Store
	mu       sync.RWMutex
}

// NewManager creates a tenant manager. The ledger may be nil, in which case
// budget checks are skipped.
func NewManager(tenants []Tenant, usage *ledger.Store) *Manager {
	m := &Manager{
		tenants:  make(map[string]*Tenant),
		limiters: make(map[string]*rate.Limiter),
		ledger:   usage,
	}
	for i := range tenants {
		t := &tenants[i]
		m.tenants[t.ID] = t
		if t.RateLimit > 0 {
			m.limiters[t.ID] = rate.NewLimiter(rate.Limit(t.RateLimit), t.RateLimit*2) // burst = 2s worth
		}
	}
	return m
}

// DailyBudgetEUR returns the tenant's daily spend ceiling, or 0 when the
// tenant is unknown or uncapped.
func (m *Manager) DailyBudgetEUR(tenantID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenants[tenantID]; ok {
		return t.DailyBudgetEUR
	}
	return 0
}

// ValidateRequest checks that the tenant exists, is within its rate limit,
// and has daily budget headroom. Returns a typed error on failure.
func (m *Manager) ValidateRequest(ctx context.Context, tenantID string) error {
	m.mu.RLock()
	t, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if !ok {
		return ErrTenantNotFound
	}

	if lim := m.limiter(tenantID); lim != nil {
		if !lim.Allow() {
			return ErrRateLimitExceeded
		}
	}

	if m.ledger == nil || t.DailyBudgetEUR <= 0 {
		return nil
	}

	usage, err := m.ledger.TenantDailyUsage(ctx, tenantID, time.Now().UTC())
	if err != nil {
		return err
	}
	if usage.CostEUR >= t.DailyBudgetEUR {
		return ErrDailyBudgetExceeded
	}
	return nil
}

func (m *Manager) limiter(tenantID string) *rate.Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[tenantID]
}
