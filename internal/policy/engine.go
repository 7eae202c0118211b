// Package policy evaluates governance rules with embedded OPA: budget
// admission before a model call and the keyword blocklist for generation
// prompts. Both the pipeline runner and the provider fallback chain consult
// the same engine.
package policy

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	conductorotel "github.com/orbist/conductor/internal/otel"
)

var tracer = conductorotel.Tracer("github.com/orbist/conductor/internal/policy")

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// Decision is the result of a policy evaluation.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Action  string   `json:"action"` // "allow" or "deny"
	Reasons []string `json:"reasons,omitempty"`
}

// BudgetLimits are the ceilings applied to one admission check. Zero means
// no limit for that dimension.
type BudgetLimits struct {
	PerRunEUR      float64 `json:"per_run_eur"`
	MaxRunTokens   int     `json:"max_run_tokens"`
	AgentDailyEUR  float64 `json:"agent_daily_eur"`
	TenantDailyEUR float64 `json:"tenant_daily_eur"`
}

// BudgetInput is the admission question: estimated request size plus the
// already-accumulated spend for the current day.
type BudgetInput struct {
	EstimatedEUR    float64      `json:"estimated_eur"`
	EstimatedTokens int          `json:"estimated_tokens"`
	AgentDailyEUR   float64      `json:"agent_daily_eur"`
	TenantDailyEUR  float64      `json:"tenant_daily_eur"`
	Limits          BudgetLimits `json:"limits"`
}

// blockedTerms is the fixed generation-prompt blocklist, loaded into the OPA
// data store at engine construction.
var blockedTerms = []string{
	"explicit nudity",
	"gore",
	"beheading",
	"self-harm",
	"terror attack",
	"hate symbol",
	"child exploitation",
	"weapon schematics",
}

// regoPolicy maps a Rego file to the query used to extract deny messages.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: "rego/budget_limits.rego", query: "data.conductor.policy.budget_limits.deny"},
	{file: "rego/content_safety.rego", query: "data.conductor.policy.content_safety.deny"},
}

// Engine evaluates governance policies using embedded OPA.
type Engine struct {
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine precompiles the embedded Rego policies. The blocklist terms are
// loaded as OPA data so the rules stay free of literals.
func NewEngine(ctx context.Context) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	opaData := map[string]interface{}{
		"policy": map[string]interface{}{
			"blocked_terms": termsToInterface(blockedTerms),
		},
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(inmem.NewFromObject(opaData)),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))
	return &Engine{prepared: prepared}, nil
}

// EvaluateBudget runs budget admission and returns a combined Decision.
func (e *Engine) EvaluateBudget(ctx context.Context, in *BudgetInput) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_budget",
		trace.WithAttributes(
			attribute.Float64("budget.estimated_eur", in.EstimatedEUR),
			attribute.Int("budget.estimated_tokens", in.EstimatedTokens),
		))
	defer span.End()

	input := map[string]interface{}{
		"estimated_eur":    in.EstimatedEUR,
		"estimated_tokens": in.EstimatedTokens,
		"agent_daily_eur":  in.AgentDailyEUR,
		"tenant_daily_eur": in.TenantDailyEUR,
		"limits": map[string]interface{}{
			"per_run_eur":      in.Limits.PerRunEUR,
			"max_run_tokens":   in.Limits.MaxRunTokens,
			"agent_daily_eur":  in.Limits.AgentDailyEUR,
			"tenant_daily_eur": in.Limits.TenantDailyEUR,
		},
	}

	return e.evaluate(ctx, span, "rego/budget_limits.rego", input)
}

// EvaluatePromptSafety checks a generation prompt against the keyword blocklist.
func (e *Engine) EvaluatePromptSafety(ctx context.Context, prompt string) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_prompt_safety")
	defer span.End()

	input := map[string]interface{}{"prompt": prompt}
	return e.evaluate(ctx, span, "rego/content_safety.rego", input)
}

func (e *Engine) evaluate(ctx context.Context, span trace.Span, pkg string, input map[string]interface{}) (*Decision, error) {
	reasons, err := e.evaluateDenyReasons(ctx, pkg, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	decision := &Decision{Allowed: true, Action: "allow"}
	if len(reasons) > 0 {
		decision.Allowed = false
		decision.Action = "deny"
		decision.Reasons = reasons
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	return decision, nil
}

// evaluateDenyReasons runs one prepared Rego policy that produces a set of
// deny reason strings.
func (e *Engine) evaluateDenyReasons(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// Querying "data.xxx.deny" yields a set of strings; OPA returns it as
	// []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

func termsToInterface(terms []string) []interface{} {
	out := make([]interface{}, len(terms))
	for i, t := range terms {
		out[i] = t
	}
	return out
}
