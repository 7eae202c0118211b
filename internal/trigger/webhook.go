package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/orbist/conductor/internal/manifest"
	"github.com/orbist/conductor/internal/pipeline"
)

// WebhookHandler fires agent runs from inbound HTTP triggers. Routes are
// keyed by agent id and webhook name.
type WebhookHandler struct {
	runner   Runner
	agents   *manifest.Registry
	tenantID string
}

// NewWebhookHandler creates a handler over the agent registry.
func NewWebhookHandler(runner Runner, agents *manifest.Registry, tenantID string) *WebhookHandler {
	return &WebhookHandler{runner: runner, agents: agents, tenantID: tenantID}
}

type webhookResponse struct {
	Status  string `json:"status"`
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeWebhookJSON(w http.ResponseWriter, status int, resp webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleWebhook processes POST /v1/hooks/{agent}/{name}.
func (wh *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent")
	name := chi.URLParam(r, "name")

	m, ok := wh.agents.ByID(agentID)
	if !ok {
		writeWebhookJSON(w, http.StatusNotFound, webhookResponse{Status: "error", Error: fmt.Sprintf("agent %q not found", agentID)})
		return
	}

	var hook *manifest.Webhook
	for i := range m.Webhooks {
		if m.Webhooks[i].Name == name {
			hook = &m.Webhooks[i]
			break
		}
	}
	if hook == nil {
		writeWebhookJSON(w, http.StatusNotFound, webhookResponse{Status: "error", Error: fmt.Sprintf("trigger %q not found", name)})
		return
	}

	var payload interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeWebhookJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "invalid JSON body"})
		return
	}

	prompt, err := renderTemplate(hook.PromptTemplate, map[string]interface{}{"payload": payload})
	if err != nil {
		writeWebhookJSON(w, http.StatusInternalServerError, webhookResponse{Status: "error", Error: fmt.Sprintf("template error: %v", err)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	log.Info().
		Str("agent_id", agentID).
		Str("trigger", name).
		Msg("webhook_trigger_fired")

	task, _ := payload.(map[string]any)
	res, err := wh.runner.Run(ctx, &pipeline.RunRequest{
		AgentID:  agentID,
		Task:     task,
		Prompt:   prompt,
		Actor:    systemActor("webhook:"+name, wh.tenantID),
		TenantID: wh.tenantID,
	})
	if err != nil {
		log.Error().Err(err).
			Str("agent_id", agentID).
			Str("trigger", name).
			Msg("webhook_trigger_failed")
		writeWebhookJSON(w, http.StatusInternalServerError, webhookResponse{Status: "error", Error: err.Error()})
		return
	}

	writeWebhookJSON(w, http.StatusOK, webhookResponse{Status: res.Status, RunID: res.RunID, Message: "trigger executed"})
}

func renderTemplate(tmplStr string, data interface{}) (string, error) {
	tmpl, err := template.New("webhook").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}
