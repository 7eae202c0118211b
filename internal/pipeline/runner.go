// Package pipeline implements the governed agent run lifecycle.
//
// A run executes in a fixed sequence: resolve agent → authorize → decide
// autonomy → resolve contexts → compose messages → admit by budget → call the
// model → validate output → persist insight → emit events. Authorization and
// budget failures abort before any model call; model and validation failures
// are reported in the result rather than raised, since a failed generation is
// a business outcome, not a programming error.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orbist/conductor/internal/autonomy"
	"github.com/orbist/conductor/internal/bus"
	"github.com/orbist/conductor/internal/contexts"
	"github.com/orbist/conductor/internal/insight"
	"github.com/orbist/conductor/internal/ledger"
	"github.com/orbist/conductor/internal/llm"
	"github.com/orbist/conductor/internal/manifest"
	conductorotel "github.com/orbist/conductor/internal/otel"
	"github.com/orbist/conductor/internal/policy"
	"github.com/orbist/conductor/internal/requestctx"
	"github.com/orbist/conductor/internal/validator"
)

var tracer = conductorotel.Tracer("github.com/orbist/conductor/internal/pipeline")

// Run result statuses.
const (
	StatusOK               = "ok"
	StatusPendingApproval  = "pending_approval"
	StatusValidationFailed = "validation_failed"
	StatusAutonomyBlocked  = "autonomy_blocked"
)

var (
	// ErrForbidden indicates the actor lacks a permission the agent declares.
	ErrForbidden = errors.New("forbidden")
	// ErrBudgetExceeded indicates the estimated spend would exceed a ceiling.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrUnknownAgent aliases the registry sentinel for callers matching on
	// pipeline errors.
	ErrUnknownAgent = manifest.ErrUnknownAgent
	// ErrMissingContext aliases the resolver sentinel.
	ErrMissingContext = contexts.ErrMissingContext
)

// Prompt composition bounds.
const (
	contractPreviewLen = 1200
	outputPreviewLen   = 400
	defaultMaxTokens   = 2000
	defaultTemperature = 0.7
)

// RoleAdmin holds every permission implicitly.
const RoleAdmin = "admin"

// PermissionWildcard grants every permission.
const PermissionWildcard = "*"

// TenantLimits exposes per-tenant budget ceilings. Nil or a zero ceiling
// means no tenant-level limit.
type TenantLimits interface {
	DailyBudgetEUR(tenantID string) float64
}

// Actor is the authenticated caller of a run. Used for authorization only,
// never for trust elevation of model output.
type Actor struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	BrandID     string   `json:"brandId"`
	TenantID    string   `json:"tenantId"`
}

// RunRequest is the input for a single pipeline invocation.
type RunRequest struct {
	AgentID           string         `json:"agentId"`
	Task              map[string]any `json:"task"`
	Prompt            string         `json:"prompt,omitempty"`
	Message           string         `json:"message,omitempty"`
	Actor             *Actor         `json:"actor,omitempty"`
	BrandID           string         `json:"brandId,omitempty"`
	TenantID          string         `json:"tenantId,omitempty"`
	IncludeEmbeddings bool           `json:"includeEmbeddings,omitempty"`
	DryRun            bool           `json:"dryRun,omitempty"`
}

// RunResult is the outcome of a pipeline invocation. Success is false for
// business-outcome failures (model call failed, validation failed, autonomy
// blocked); contract violations are returned as errors instead.
type RunResult struct {
	Success          bool               `json:"success"`
	Status           string             `json:"status,omitempty"`
	Agent            *manifest.Manifest `json:"agent"`
	Output           map[string]any     `json:"output,omitempty"`
	Contexts         contexts.Bundle    `json:"contexts"`
	Messages         []llm.Message      `json:"messages,omitempty"`
	Logs             []string           `json:"logs"`
	Errors           []string           `json:"errors,omitempty"`
	RunID            string             `json:"runId,omitempty"`
	AutonomyDecision *autonomy.Decision `json:"autonomyDecision,omitempty"`
}

// Config holds the dependencies for constructing a Runner.
type Config struct {
	Agents   *manifest.Registry
	Contexts *contexts.Registry
	Policy   *policy.Engine
	Ledger   *ledger.Store
	Insights *insight.Store
	Provider llm.Provider
	Bus      *bus.Bus
	Tenants  TenantLimits // optional; nil = no tenant ceiling
	Model    string       // default model id for composed requests
}

// Runner executes the full pipeline lifecycle.
type Runner struct {
	agents   *manifest.Registry
	contexts *contexts.Registry
	policy   *policy.Engine
	ledger   *ledger.Store
	insights *insight.Store
	provider llm.Provider
	bus      *bus.Bus
	tenants  TenantLimits
	model    string
}

// NewRunner creates a pipeline runner with the given dependencies.
func NewRunner(cfg Config) *Runner {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Runner{
		agents:   cfg.Agents,
		contexts: cfg.Contexts,
		policy:   cfg.Policy,
		ledger:   cfg.Ledger,
		insights: cfg.Insights,
		provider: cfg.Provider,
		bus:      cfg.Bus,
		tenants:  cfg.Tenants,
		model:    model,
	}
}

// Run executes the complete pipeline for one task.
//
//nolint:gocyclo // orchestration flow is inherently branched; splitting would obscure the lifecycle
func (r *Runner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	startTime := time.Now()
	runID := "run_" + uuid.New().String()[:12]
	correlationID := requestctx.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = "corr_" + uuid.New().String()[:12]
	}

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("correlation_id", correlationID),
			attribute.String("tenant_id", req.TenantID),
			attribute.String("agent_id", req.AgentID),
			attribute.Bool("dry_run", req.DryRun),
		))
	defer span.End()

	log.Info().
		Str("run_id", runID).
		Str("correlation_id", correlationID).
		Str("tenant_id", req.TenantID).
		Str("agent_id", req.AgentID).
		Msg("pipeline_run_started")

	res := &RunResult{RunID: runID, Contexts: contexts.Bundle{}}
	if req.Task == nil {
		req.Task = map[string]any{}
	}

	// Step 1: resolve agent by id, falling back to scope.
	agent, err := r.agents.Resolve(req.AgentID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolving agent %q: %w", req.AgentID, err)
	}
	res.Agent = agent
	res.Logs = append(res.Logs, "agent_resolved:"+agent.ID)

	// Step 2: authorize before any side effect.
	if err := authorize(agent, req.Actor); err != nil {
		span.SetStatus(codes.Error, "forbidden")
		log.Warn().
			Str("run_id", runID).
			Str("agent_id", agent.ID).
			Msg("pipeline_forbidden")
		return nil, err
	}
	res.Logs = append(res.Logs, "authorized")

	// Step 3: decide autonomy. Deny halts with zero budget writes and zero
	// model calls; require-approval continues but tags the insight.
	action := req.Message
	if action == "" {
		action = "execute"
	}
	decision := autonomy.Evaluate(agent.Autonomy, action, agent.Scope)
	res.AutonomyDecision = &decision
	res.Logs = append(res.Logs, "autonomy:"+string(decision.Status))
	span.SetAttributes(attribute.String("autonomy.status", string(decision.Status)))

	if !decision.Allowed() {
		res.Status = StatusAutonomyBlocked
		res.Errors = append(res.Errors, decision.Reason)
		r.auditSafety(ctx, &ledger.SafetyEvent{
			RunID:     runID,
			Category:  "autonomy_denied",
			Status:    "blocked",
			RiskLevel: ledger.RiskHigh,
			AgentID:   agent.ID,
			Namespace: "pipeline",
			TenantID:  req.TenantID,
			BrandID:   req.BrandID,
			Detail:    map[string]any{"reason": decision.Reason, "action": action},
		})
		log.Warn().
			Str("run_id", runID).
			Str("agent_id", agent.ID).
			Str("reason", decision.Reason).
			Msg("pipeline_autonomy_blocked")
		return res, nil
	}

	// Step 4: resolve contexts.
	bundle, err := r.contexts.Resolve(ctx, agent.Contexts, req.Task, &contexts.Options{
		BrandID:             req.BrandID,
		TenantID:            req.TenantID,
		Role:                actorRole(req.Actor),
		Permissions:         actorPermissions(req.Actor),
		IncludeEmbeddings:   req.IncludeEmbeddings,
		RequiredPermissions: agent.Permissions,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Contexts = bundle
	res.Logs = append(res.Logs, fmt.Sprintf("contexts_resolved:%d", len(bundle)))

	// Step 5: compose the model request.
	messages := composeMessages(agent, req, bundle)
	res.Messages = messages

	// Step 6: admit by budget, before any model call.
	estTokens, estCost, err := r.admitBudget(ctx, agent, req, messages)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Logs = append(res.Logs, fmt.Sprintf("budget_admitted:%d_tokens", estTokens))
	span.SetAttributes(
		attribute.Int("budget.estimated_tokens", estTokens),
		attribute.Float64("budget.estimated_eur", estCost),
	)

	// Step 7: dry-run short-circuit, nothing called or persisted.
	if req.DryRun {
		res.Success = true
		res.Status = StatusOK
		res.Logs = append(res.Logs, "dry_run")
		return res, nil
	}

	// Step 8: invoke the model. A call failure is a reported outcome, not an
	// error raised to the caller.
	llmResp, err := r.provider.Generate(ctx, &llm.Request{
		Model:       r.model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		res.Errors = append(res.Errors, err.Error())
		res.Logs = append(res.Logs, "model_call_failed")
		log.Error().
			Err(err).
			Str("run_id", runID).
			Str("agent_id", agent.ID).
			Msg("pipeline_model_call_failed")
		return res, nil
	}
	res.Logs = append(res.Logs, "model_called:"+llmResp.Model)

	// Tokens were spent regardless of what validation decides; record them
	// now so daily totals never under-count.
	costEUR := r.provider.EstimateCost(r.model, llmResp.InputTokens, llmResp.OutputTokens)
	if err := r.ledger.RecordUsage(ctx, req.TenantID, agent.ID, time.Now(), costEUR, int64(llmResp.InputTokens+llmResp.OutputTokens)); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("usage_record_failed")
	}

	// Step 9: parse output; raw text is a legitimate value.
	var parsed any
	if jsonErr := json.Unmarshal([]byte(llmResp.Content), &parsed); jsonErr != nil {
		parsed = llmResp.Content
	}

	// Step 10: validate.
	scope := inferScope(agent, req.Task)
	vres := validator.Validate(scope, parsed)
	if !vres.OK {
		return r.failValidation(ctx, res, agent, req, vres, scope, runID), nil
	}
	res.Output = vres.Data
	res.Logs = append(res.Logs, "output_validated:"+vres.Scope)

	// Step 11: persist the insight, best-effort.
	entityType := insight.EntityAgent
	status := StatusOK
	if decision.PendingApproval() {
		entityType = insight.EntityPendingApproval
		status = StatusPendingApproval
	}
	entityID := contexts.EntityID(req.Task)
	if entityID == "" {
		entityID = agent.Name
	}
	ins := &insight.Insight{
		BrandID:    req.BrandID,
		TenantID:   req.TenantID,
		EntityType: entityType,
		EntityID:   entityID,
		AgentID:    agent.ID,
		Snapshot:   insight.Snapshot(vres.Data, bundle, req.Task, decision),
	}
	if err := r.insights.Save(ctx, ins); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("insight_save_failed")
	} else {
		res.Logs = append(res.Logs, "insight_saved:"+ins.ID)
	}

	// Step 12: emit monitoring + activity events, best-effort.
	duration := time.Since(startTime)
	r.auditMonitoring(ctx, &ledger.MonitoringEvent{
		RunID:     runID,
		Category:  "pipeline_run",
		Status:    status,
		RiskLevel: riskForScope(scope),
		AgentID:   agent.ID,
		Namespace: "pipeline",
		TenantID:  req.TenantID,
		BrandID:   req.BrandID,
		Metric: map[string]any{
			"duration_ms":   duration.Milliseconds(),
			"cost_eur":      costEUR,
			"input_tokens":  llmResp.InputTokens,
			"output_tokens": llmResp.OutputTokens,
		},
	})
	r.publish(ctx, "pipeline.run.completed", map[string]any{
		"runId":         runID,
		"agentId":       agent.ID,
		"status":        status,
		"insightId":     ins.ID,
		"outputPreview": preview(llmResp.Content, outputPreviewLen),
	}, req, correlationID)

	// Step 13: result.
	res.Success = true
	res.Status = status
	log.Info().
		Str("run_id", runID).
		Str("agent_id", agent.ID).
		Str("status", status).
		Float64("cost_eur", costEUR).
		Int64("duration_ms", duration.Milliseconds()).
		Msg("pipeline_run_completed")
	return res, nil
}

// failValidation records the monitoring and oversight trail for a rejected
// output and shapes the validation_failed result. No insight is persisted.
func (r *Runner) failValidation(ctx context.Context, res *RunResult, agent *manifest.Manifest, req *RunRequest, vres *validator.Result, scope, runID string) *RunResult {
	res.Status = StatusValidationFailed
	res.Errors = append(res.Errors, vres.Errors...)
	res.Logs = append(res.Logs, "validation_failed:"+vres.Scope)

	risk := ledger.RiskMedium
	if autonomy.IsHighRisk(scope) {
		risk = ledger.RiskHigh
	}
	r.auditMonitoring(ctx, &ledger.MonitoringEvent{
		RunID:     runID,
		Category:  "output_validation",
		Status:    "rejected",
		RiskLevel: risk,
		AgentID:   agent.ID,
		Namespace: "pipeline",
		TenantID:  req.TenantID,
		BrandID:   req.BrandID,
		Metric:    map[string]any{"errors": vres.Errors},
	})
	if autonomy.IsHighRisk(scope) {
		r.auditSafety(ctx, &ledger.SafetyEvent{
			RunID:     runID,
			Category:  "oversight_validation_failure",
			Status:    "flagged",
			RiskLevel: ledger.RiskHigh,
			AgentID:   agent.ID,
			Namespace: "pipeline",
			TenantID:  req.TenantID,
			BrandID:   req.BrandID,
			Detail:    map[string]any{"scope": vres.Scope, "errors": vres.Errors},
		})
	}

	log.Warn().
		Str("run_id", runID).
		Str("agent_id", agent.ID).
		Str("scope", vres.Scope).
		Strs("errors", vres.Errors).
		Msg("pipeline_validation_failed")
	return res
}

// authorize verifies every permission the agent declares is held by the
// actor. Admins and wildcard grants pass unconditionally; a nil actor holds
// no permissions.
func authorize(agent *manifest.Manifest, actor *Actor) error {
	if len(agent.Permissions) == 0 {
		return nil
	}
	if actor != nil {
		if actor.Role == RoleAdmin {
			return nil
		}
		granted := make(map[string]bool, len(actor.Permissions))
		for _, p := range actor.Permissions {
			if p == PermissionWildcard {
				return nil
			}
			granted[p] = true
		}
		missing := false
		for _, p := range agent.Permissions {
			if !granted[p] {
				missing = true
				break
			}
		}
		if !missing {
			return nil
		}
	}
	return fmt.Errorf("%w: agent %s requires permissions %v", ErrForbidden, agent.ID, agent.Permissions)
}

// composeMessages builds the system and user instructions. The output
// contract description is truncated so one oversized contract cannot blow up
// the prompt.
func composeMessages(agent *manifest.Manifest, req *RunRequest, bundle contexts.Bundle) []llm.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s (%s), scope %s, autonomy %s.\n", agent.Name, agent.ID, agent.Scope, agent.Autonomy)
	if len(agent.Capabilities) > 0 {
		fmt.Fprintf(&sys, "Capabilities: %s.\n", strings.Join(agent.Capabilities, ", "))
	}
	if names := requiredContextNames(agent.Contexts); len(names) > 0 {
		fmt.Fprintf(&sys, "Required contexts: %s.\n", strings.Join(names, ", "))
	}
	if len(agent.SafetyRules) > 0 {
		fmt.Fprintf(&sys, "Safety rules:\n")
		for _, rule := range agent.SafetyRules {
			fmt.Fprintf(&sys, "- %s\n", rule)
		}
	}
	sys.WriteString("Respond with a single JSON object matching the output contract.")

	var usr strings.Builder
	if req.Prompt != "" {
		usr.WriteString(req.Prompt)
		usr.WriteString("\n\n")
	}
	if len(req.Task) > 0 {
		usr.WriteString("Task:\n")
		usr.WriteString(jsonPreview(req.Task, contractPreviewLen))
		usr.WriteString("\n\n")
	}
	if len(bundle) > 0 {
		usr.WriteString("Context:\n")
		usr.WriteString(jsonPreview(bundle, contractPreviewLen))
		usr.WriteString("\n\n")
	}
	usr.WriteString("Output contract: ")
	usr.WriteString(preview(contractDescription(agent), contractPreviewLen))

	return []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: usr.String()},
	}
}

// admitBudget estimates request size and checks it against the agent and
// tenant ceilings via the policy engine. A deny is fatal and made before any
// model call.
func (r *Runner) admitBudget(ctx context.Context, agent *manifest.Manifest, req *RunRequest, messages []llm.Message) (int, float64, error) {
	var promptLen int
	for _, m := range messages {
		promptLen += len(m.Content)
	}
	estTokens := promptLen/4 + defaultMaxTokens
	estCost := r.provider.EstimateCost(r.model, promptLen/4, defaultMaxTokens)

	now := time.Now()
	agentUsage, err := r.ledger.AgentDailyUsage(ctx, req.TenantID, agent.ID, now)
	if err != nil {
		return 0, 0, fmt.Errorf("reading agent usage: %w", err)
	}
	tenantUsage, err := r.ledger.TenantDailyUsage(ctx, req.TenantID, now)
	if err != nil {
		return 0, 0, fmt.Errorf("reading tenant usage: %w", err)
	}

	limits := policy.BudgetLimits{}
	if agent.Budget != nil {
		limits.PerRunEUR = agent.Budget.PerRunEUR
		limits.MaxRunTokens = agent.Budget.MaxRunTokens
		limits.AgentDailyEUR = agent.Budget.DailyEUR
	}
	if r.tenants != nil {
		limits.TenantDailyEUR = r.tenants.DailyBudgetEUR(req.TenantID)
	}

	decision, err := r.policy.EvaluateBudget(ctx, &policy.BudgetInput{
		EstimatedEUR:    estCost,
		EstimatedTokens: estTokens,
		AgentDailyEUR:   agentUsage.CostEUR,
		TenantDailyEUR:  tenantUsage.CostEUR,
		Limits:          limits,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("evaluating budget: %w", err)
	}
	if !decision.Allowed {
		return 0, 0, fmt.Errorf("%w: %s", ErrBudgetExceeded, strings.Join(decision.Reasons, "; "))
	}
	return estTokens, estCost, nil
}

// auditSafety appends a safety record best-effort; a failed audit write never
// fails the pipeline.
func (r *Runner) auditSafety(ctx context.Context, ev *ledger.SafetyEvent) {
	if err := r.ledger.AppendSafety(ctx, ev); err != nil {
		log.Error().Err(err).Str("category", ev.Category).Msg("safety_audit_write_failed")
	}
}

// auditMonitoring appends a monitoring record best-effort.
func (r *Runner) auditMonitoring(ctx context.Context, ev *ledger.MonitoringEvent) {
	if err := r.ledger.AppendMonitoring(ctx, ev); err != nil {
		log.Error().Err(err).Str("category", ev.Category).Msg("monitoring_audit_write_failed")
	}
}

// publish emits an activity event on the bus with full actor/scope context.
func (r *Runner) publish(ctx context.Context, name string, payload map[string]any, req *RunRequest, correlationID string) {
	if r.bus == nil {
		return
	}
	evctx := &bus.EventContext{
		BrandID:       req.BrandID,
		TenantID:      req.TenantID,
		Source:        "pipeline",
		CorrelationID: correlationID,
	}
	if req.Actor != nil {
		evctx.ActorUserID = req.Actor.UserID
		evctx.Role = req.Actor.Role
	}
	r.bus.Publish(ctx, name, payload, evctx)
}

// inferScope picks the validation scope: task-declared, else agent scope,
// else agent name.
func inferScope(agent *manifest.Manifest, task map[string]any) string {
	if s, ok := task["scope"].(string); ok && s != "" {
		return s
	}
	if agent.Scope != "" {
		return agent.Scope
	}
	return agent.Name
}

func riskForScope(scope string) string {
	if autonomy.IsHighRisk(scope) {
		return ledger.RiskMedium
	}
	return ledger.RiskLow
}

func contractDescription(agent *manifest.Manifest) string {
	if agent.OutputContract != "" {
		return agent.OutputContract
	}
	keys := validator.AllowedKeys(validator.NormalizeScope(agent.Scope))
	if len(keys) == 0 {
		return "a JSON object with meaningful fields for scope " + agent.Scope
	}
	return "a JSON object using keys: " + strings.Join(keys, ", ")
}

func requiredContextNames(reqs []manifest.ContextRequirement) []string {
	var names []string
	for _, c := range reqs {
		if c.Required {
			names = append(names, c.Name)
		}
	}
	return names
}

func actorRole(a *Actor) string {
	if a == nil {
		return ""
	}
	return a.Role
}

func actorPermissions(a *Actor) []string {
	if a == nil {
		return nil
	}
	return a.Permissions
}

func preview(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

func jsonPreview(v any, maxLen int) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return preview(string(raw), maxLen)
}
