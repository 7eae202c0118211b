package genmedia

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orbist/conductor/internal/autonomy"
	"github.com/orbist/conductor/internal/bus"
	"github.com/orbist/conductor/internal/ledger"
	"github.com/orbist/conductor/internal/manifest"
	conductorotel "github.com/orbist/conductor/internal/otel"
	"github.com/orbist/conductor/internal/policy"
)

var tracer = conductorotel.Tracer("github.com/orbist/conductor/internal/genmedia")

// defaultAgentChain is walked when the named agent has no media preferences.
var defaultAgentChain = []string{"media-producer", "default"}

const promptPreviewLen = 200

// Config holds the dependencies for constructing a Chain.
type Config struct {
	Agents       *manifest.Registry // preference lookup; may be nil
	Policy       *policy.Engine
	Ledger       *ledger.Store
	Bus          *bus.Bus
	SafeProvider map[Kind]string // designated low-cost floor per kind
}

// Chain is the ordered multi-provider generation orchestrator.
type Chain struct {
	catalog map[Kind][]Provider
	agents  *manifest.Registry
	policy  *policy.Engine
	ledger  *ledger.Store
	bus     *bus.Bus
	safe    map[Kind]string
}

// NewChain creates a chain with an empty catalog.
func NewChain(cfg Config) *Chain {
	safe := cfg.SafeProvider
	if safe == nil {
		safe = map[Kind]string{}
	}
	return &Chain{
		catalog: make(map[Kind][]Provider),
		agents:  cfg.Agents,
		policy:  cfg.Policy,
		ledger:  cfg.Ledger,
		bus:     cfg.Bus,
		safe:    safe,
	}
}

// Register adds a provider to the catalog for its kind. Registration happens
// at startup; the catalog is read-only afterwards.
func (c *Chain) Register(p Provider) {
	c.catalog[p.Kind()] = append(c.catalog[p.Kind()], p)
}

// Generate runs the fallback chain for one request. The prompt is checked
// against the safety blocklist before any provider is tried; candidates are
// then attempted strictly in order until one succeeds.
func (c *Chain) Generate(ctx context.Context, kind Kind, req *Request, call *CallContext) (*Result, error) {
	runID := "gen_" + uuid.New().String()[:12]
	if call == nil {
		call = &CallContext{}
	}

	ctx, span := tracer.Start(ctx, "genmedia.generate",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("kind", string(kind)),
			attribute.String("tenant_id", call.TenantID),
			attribute.String("agent_name", req.AgentName),
		))
	defer span.End()

	riskLevel := ledger.RiskLow
	if autonomy.IsHighRisk(req.AgentName) {
		riskLevel = ledger.RiskMedium
	}

	// Safety gate: one blocked term stops the whole request.
	safety, err := c.policy.EvaluatePromptSafety(ctx, req.Prompt)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluating prompt safety: %w", err)
	}
	if !safety.Allowed {
		c.auditSafety(ctx, &ledger.SafetyEvent{
			RunID:     runID,
			Category:  "prompt_blocklist",
			Status:    "blocked",
			RiskLevel: ledger.RiskHigh,
			AgentID:   req.AgentName,
			Namespace: "genmedia",
			TenantID:  call.TenantID,
			BrandID:   call.BrandID,
			Detail: map[string]any{
				"reasons":        safety.Reasons,
				"prompt_preview": preview(req.Prompt, promptPreviewLen),
			},
		})
		log.Warn().
			Str("run_id", runID).
			Str("agent_name", req.AgentName).
			Msg("genmedia_prompt_blocked")
		return nil, fmt.Errorf("%w: %s", ErrPromptBlocked, strings.Join(safety.Reasons, "; "))
	}

	candidates := c.orderCandidates(kind, req)
	if len(candidates) == 0 {
		return nil, ErrNoProviders
	}
	span.SetAttributes(attribute.Int("chain.candidates", len(candidates)))

	var lastErr error
	for _, p := range candidates {
		out, attemptErr := c.attempt(ctx, p, kind, req, call, runID, riskLevel)
		if attemptErr != nil {
			lastErr = attemptErr
			continue
		}
		log.Info().
			Str("run_id", runID).
			Str("provider", p.ID()).
			Msg("genmedia_generated")
		return &Result{Output: out, Provider: p.ID(), RiskLevel: riskLevel, RunID: runID}, nil
	}

	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	span.RecordError(lastErr)
	return nil, fmt.Errorf("generation exhausted %d providers: %w", len(candidates), lastErr)
}

// attempt runs budget admission and one bounded provider call, emitting a
// monitoring event and an execution-log event regardless of outcome.
func (c *Chain) attempt(ctx context.Context, p Provider, kind Kind, req *Request, call *CallContext, runID, riskLevel string) (*Output, error) {
	engineID := string(kind) + "/" + p.ID()
	start := time.Now()

	out, err := c.admitAndGenerate(ctx, p, req, call)

	latency := time.Since(start)
	status := "ok"
	detail := map[string]any{
		"latency_ms":     latency.Milliseconds(),
		"engine_id":      engineID,
		"prompt_preview": preview(req.Prompt, promptPreviewLen),
	}
	if err != nil {
		status = "failed"
		detail["error"] = err.Error()
		log.Warn().
			Err(err).
			Str("run_id", runID).
			Str("provider", p.ID()).
			Msg("genmedia_attempt_failed")
	} else if out != nil {
		detail["output_preview"] = preview(out.URL, promptPreviewLen)
	}

	c.auditMonitoring(ctx, &ledger.MonitoringEvent{
		RunID:     runID,
		Category:  "generation_attempt",
		Status:    status,
		RiskLevel: riskLevel,
		AgentID:   req.AgentName,
		Namespace: "genmedia",
		TenantID:  call.TenantID,
		BrandID:   call.BrandID,
		Metric:    detail,
	})
	if c.bus != nil {
		c.bus.Publish(ctx, "genmedia.attempt."+status, detail, &bus.EventContext{
			ActorUserID:   call.ActorUserID,
			BrandID:       call.BrandID,
			TenantID:      call.TenantID,
			Source:        "genmedia",
			CorrelationID: call.CorrelationID,
		})
	}
	return out, err
}

// admitAndGenerate applies the pipeline's budget admission to one candidate
// and, when admitted, invokes it under the attempt timeout.
func (c *Chain) admitAndGenerate(ctx context.Context, p Provider, req *Request, call *CallContext) (*Output, error) {
	estCost := p.EstimateCostEUR()
	if estCost > 0 && c.ledger != nil {
		limits := c.limitsForAgent(req.AgentName)
		agentUsage, err := c.ledger.AgentDailyUsage(ctx, call.TenantID, req.AgentName, time.Now())
		if err != nil {
			return nil, fmt.Errorf("reading agent usage: %w", err)
		}
		tenantUsage, err := c.ledger.TenantDailyUsage(ctx, call.TenantID, time.Now())
		if err != nil {
			return nil, fmt.Errorf("reading tenant usage: %w", err)
		}
		decision, err := c.policy.EvaluateBudget(ctx, &policy.BudgetInput{
			EstimatedEUR:   estCost,
			AgentDailyEUR:  agentUsage.CostEUR,
			TenantDailyEUR: tenantUsage.CostEUR,
			Limits:         limits,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluating budget: %w", err)
		}
		if !decision.Allowed {
			return nil, fmt.Errorf("budget rejected provider %s: %s", p.ID(), strings.Join(decision.Reasons, "; "))
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, TimeoutAttempt)
	defer cancel()

	out, err := p.Generate(attemptCtx, req)
	if err != nil {
		return nil, err
	}

	if estCost > 0 && c.ledger != nil {
		if recErr := c.ledger.RecordUsage(ctx, call.TenantID, req.AgentName, time.Now(), estCost, 0); recErr != nil {
			log.Error().Err(recErr).Str("provider", p.ID()).Msg("genmedia_usage_record_failed")
		}
	}
	return out, nil
}

// orderCandidates builds the attempt list: available providers free-first,
// agent preferences spliced to the front, the explicitly requested engine
// forced first, and the safe provider appended as the floor.
func (c *Chain) orderCandidates(kind Kind, req *Request) []Provider {
	byID := make(map[string]Provider)
	var available []Provider
	for _, p := range c.catalog[kind] {
		byID[p.ID()] = p
		if p.Available() {
			available = append(available, p)
		}
	}

	// Free before paid, otherwise keep registration order.
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].IsFree() && !available[j].IsFree()
	})

	var ordered []string
	for _, id := range c.preferences(kind, req.AgentName) {
		if p, ok := byID[id]; ok && p.Available() {
			ordered = append(ordered, id)
		}
	}
	for _, p := range available {
		ordered = append(ordered, p.ID())
	}

	if req.EngineID != "" && req.EngineID != "auto" {
		if p, ok := byID[req.EngineID]; ok && p.Available() {
			ordered = append([]string{req.EngineID}, ordered...)
		} else {
			log.Warn().Str("engine_id", req.EngineID).Msg("requested_engine_unavailable")
		}
	}

	if safeID := c.safe[kind]; safeID != "" {
		if p, ok := byID[safeID]; ok && p.Available() {
			ordered = append(ordered, safeID)
		} else {
			// The floor guarantee degrades silently when the safe provider
			// cannot be resolved; the chain keeps whatever candidates remain.
			log.Warn().Str("safe_provider", safeID).Str("kind", string(kind)).Msg("safe_provider_unavailable")
		}
	}

	return dedupe(ordered, byID)
}

// preferences resolves the agent's ordered provider ids for the kind,
// falling back through the default agent chain.
func (c *Chain) preferences(kind Kind, agentName string) []string {
	if c.agents == nil {
		return nil
	}
	names := append([]string{}, defaultAgentChain...)
	if agentName != "" {
		names = append([]string{agentName}, names...)
	}
	for _, name := range names {
		m, ok := c.agents.ByID(name)
		if !ok || m.Media == nil {
			continue
		}
		var prefs []string
		switch kind {
		case KindImage:
			prefs = m.Media.ImageProviders
		case KindVideo:
			prefs = m.Media.VideoProviders
		}
		if len(prefs) > 0 {
			return prefs
		}
	}
	return nil
}

func (c *Chain) limitsForAgent(agentName string) policy.BudgetLimits {
	if c.agents == nil {
		return policy.BudgetLimits{}
	}
	m, ok := c.agents.ByID(agentName)
	if !ok || m.Budget == nil {
		return policy.BudgetLimits{}
	}
	return policy.BudgetLimits{
		PerRunEUR:     m.Budget.PerRunEUR,
		AgentDailyEUR: m.Budget.DailyEUR,
	}
}

func (c *Chain) auditSafety(ctx context.Context, ev *ledger.SafetyEvent) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.AppendSafety(ctx, ev); err != nil {
		log.Error().Err(err).Str("category", ev.Category).Msg("safety_audit_write_failed")
	}
}

func (c *Chain) auditMonitoring(ctx context.Context, ev *ledger.MonitoringEvent) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.AppendMonitoring(ctx, ev); err != nil {
		log.Error().Err(err).Str("category", ev.Category).Msg("monitoring_audit_write_failed")
	}
}

func dedupe(ids []string, byID map[string]Provider) []Provider {
	seen := make(map[string]bool, len(ids))
	var out []Provider
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, byID[id])
	}
	return out
}

func preview(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
