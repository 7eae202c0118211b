package trigger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbist/conductor/internal/autonomy"
	"github.com/orbist/conductor/internal/manifest"
)

func webhookRegistry(t *testing.T) *manifest.Registry {
	t.Helper()
	reg, err := manifest.NewRegistry([]*manifest.Manifest{
		{
			ID:       "support-triage",
			Name:     "support-triage",
			Scope:    "support",
			Autonomy: autonomy.LevelAutonomous,
			Webhooks: []manifest.Webhook{
				{Name: "new-ticket", PromptTemplate: "Triage ticket: {{.payload.subject}}"},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func newWebhookServer(runner Runner, reg *manifest.Registry) *httptest.Server {
	wh := NewWebhookHandler(runner, reg, "acme")
	r := chi.NewRouter()
	r.Post("/v1/hooks/{agent}/{name}", wh.HandleWebhook)
	return httptest.NewServer(r)
}

func TestWebhookTriggerExecutes(t *testing.T) {
	runner := &recordingRunner{}
	srv := newWebhookServer(runner, webhookRegistry(t))
	defer srv.Close()

	body := `{"subject": "printer on fire", "ticketId": "tk_42"}`
	resp, err := http.Post(srv.URL+"/v1/hooks/support-triage/new-ticket", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "run_test", out.RunID)

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, "support-triage", req.AgentID)
	assert.Equal(t, "Triage ticket: printer on fire", req.Prompt)
	assert.Equal(t, "tk_42", req.Task["ticketId"])
	assert.Equal(t, "system:webhook:new-ticket", req.Actor.UserID)
}

func TestWebhookUnknownAgent(t *testing.T) {
	srv := newWebhookServer(&recordingRunner{}, webhookRegistry(t))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/hooks/nope/new-ticket", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookUnknownTrigger(t *testing.T) {
	srv := newWebhookServer(&recordingRunner{}, webhookRegistry(t))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/hooks/support-triage/other", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookInvalidBody(t *testing.T) {
	runner := &recordingRunner{}
	srv := newWebhookServer(runner, webhookRegistry(t))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/hooks/support-triage/new-ticket", "application/json", strings.NewReader(`{broken`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, runner.requests)
}

func TestWebhookRunnerError(t *testing.T) {
	runner := &recordingRunner{err: assert.AnError}
	srv := newWebhookServer(runner, webhookRegistry(t))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/hooks/support-triage/new-ticket", "application/json", strings.NewReader(`{"subject":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
