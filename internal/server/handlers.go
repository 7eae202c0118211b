package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/orbist/conductor/internal/genmedia"
	"github.com/orbist/conductor/internal/insight"
	"github.com/orbist/conductor/internal/pipeline"
	"github.com/orbist/conductor/internal/requestctx"

	"github.com/go-chi/chi/v5"
)

// runTimeout bounds a single API-initiated pipeline run.
const runTimeout = 30 * time.Minute

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	}
	if s.agents != nil {
		resp["agents"] = len(s.agents.All())
	}
	writeJSON(w, http.StatusOK, resp)
}

// runRequest is the POST /v1/runs body. Tenant identity comes from the API
// key, never from the body.
type runRequest struct {
	AgentID           string         `json:"agentId"`
	Task              map[string]any `json:"task,omitempty"`
	Prompt            string         `json:"prompt,omitempty"`
	Message           string         `json:"message,omitempty"`
	BrandID           string         `json:"brandId,omitempty"`
	DryRun            bool           `json:"dryRun,omitempty"`
	IncludeEmbeddings bool           `json:"includeEmbeddings,omitempty"`
	Actor             struct {
		UserID      string   `json:"userId"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	} `json:"actor"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agentId is required")
		return
	}

	tenantID := requestctx.TenantID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	res, err := s.runner.Run(ctx, &pipeline.RunRequest{
		AgentID: req.AgentID,
		Task:    req.Task,
		Prompt:  req.Prompt,
		Message: req.Message,
		Actor: &pipeline.Actor{
			UserID:      req.Actor.UserID,
			Role:        req.Actor.Role,
			Permissions: req.Actor.Permissions,
			BrandID:     req.BrandID,
			TenantID:    tenantID,
		},
		BrandID:           req.BrandID,
		TenantID:          tenantID,
		IncludeEmbeddings: req.IncludeEmbeddings,
		DryRun:            req.DryRun,
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrUnknownAgent):
			writeError(w, http.StatusNotFound, "unknown_agent", err.Error())
		case errors.Is(err, pipeline.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden", err.Error())
		case errors.Is(err, pipeline.ErrBudgetExceeded):
			w.Header().Set("Retry-After", "3600")
			writeError(w, http.StatusTooManyRequests, "budget_exceeded", err.Error())
		case errors.Is(err, pipeline.ErrMissingContext):
			writeError(w, http.StatusUnprocessableEntity, "missing_context", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// mediaRequest is the POST /v1/media/generations body.
type mediaRequest struct {
	Kind           string `json:"kind,omitempty"` // "image" (default) or "video"
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	EngineID       string `json:"engineId,omitempty"`
	AgentName      string `json:"agentName,omitempty"`
	BrandID        string `json:"brandId,omitempty"`
	ActorUserID    string `json:"actorUserId,omitempty"`
}

func (s *Server) handleMediaGenerate(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "media generation is not configured")
		return
	}

	var req mediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	kind := genmedia.Kind(req.Kind)
	if kind == "" {
		kind = genmedia.KindImage
	}
	if kind != genmedia.KindImage && kind != genmedia.KindVideo {
		writeError(w, http.StatusBadRequest, "invalid_request", "kind must be image or video")
		return
	}

	res, err := s.media.Generate(r.Context(), kind, &genmedia.Request{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		EngineID:       req.EngineID,
		AgentName:      req.AgentName,
	}, &genmedia.CallContext{
		ActorUserID:   req.ActorUserID,
		BrandID:       req.BrandID,
		TenantID:      requestctx.TenantID(r.Context()),
		CorrelationID: requestctx.CorrelationID(r.Context()),
	})
	if err != nil {
		switch {
		case errors.Is(err, genmedia.ErrPromptBlocked):
			writeError(w, http.StatusUnprocessableEntity, "prompt_blocked", err.Error())
		case errors.Is(err, genmedia.ErrNoProviders):
			writeError(w, http.StatusServiceUnavailable, "no_providers", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "generation_failed", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	type agentSummary struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Scope    string `json:"scope"`
		Autonomy string `json:"autonomy"`
		Version  string `json:"version,omitempty"`
	}
	all := s.agents.All()
	out := make([]agentSummary, 0, len(all))
	for _, m := range all {
		out = append(out, agentSummary{
			ID:       m.ID,
			Name:     m.Name,
			Scope:    m.Scope,
			Autonomy: string(m.Autonomy),
			Version:  m.VersionTag,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.agents.ByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_agent", "no agent with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleInsightsList(w http.ResponseWriter, r *http.Request) {
	f := insight.Filter{
		TenantID:   requestctx.TenantID(r.Context()),
		BrandID:    r.URL.Query().Get("brand_id"),
		EntityType: r.URL.Query().Get("entity_type"),
		Limit:      queryInt(r, "limit", 50),
	}
	list, err := s.insights.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"insights": list})
}

func (s *Server) handleAuditMonitoring(w http.ResponseWriter, r *http.Request) {
	events, err := s.ledgerStore.ListMonitoring(r.Context(), requestctx.TenantID(r.Context()), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleAuditSafety(w http.ResponseWriter, r *http.Request) {
	events, err := s.ledgerStore.ListSafety(r.Context(), requestctx.TenantID(r.Context()), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "secrets vault is not configured")
		return
	}
	list, err := s.vault.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	type secretSummary struct {
		Name        string    `json:"name"`
		AccessCount int       `json:"access_count"`
		CreatedAt   time.Time `json:"created_at"`
	}
	out := make([]secretSummary, 0, len(list))
	for _, sec := range list {
		out = append(out, secretSummary{Name: sec.Name, AccessCount: sec.AccessCount, CreatedAt: sec.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"secrets": out})
}

func (s *Server) handleSecretsAudit(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "secrets vault is not configured")
		return
	}
	records, err := s.vault.AuditLog(r.Context(), r.URL.Query().Get("name"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audit": records})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
