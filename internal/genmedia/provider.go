// Package genmedia orchestrates media generation over an ordered chain of
// interchangeable providers: the caller's requested engine first, then the
// agent's preferences, free providers before paid, with a designated safe
// provider as the floor. Candidates are tried strictly in sequence because
// generation calls carry real monetary cost.
package genmedia

import (
	"context"
	"errors"
	"time"
)

// Kind selects the provider catalog for a request.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// TimeoutAttempt bounds each provider invocation; remote generation calls
// can hang.
const TimeoutAttempt = 120 * time.Second

var (
	// ErrPromptBlocked indicates the prompt matched the safety blocklist; no
	// provider was tried.
	ErrPromptBlocked = errors.New("prompt blocked by safety policy")
	// ErrNoProviders indicates the chain resolved to zero candidates.
	ErrNoProviders = errors.New("no providers available")
	// ErrAllProvidersFailed is raised on exhaustion when no attempt error was
	// captured.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// Request describes one generation call.
type Request struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	EngineID       string `json:"engineId,omitempty"` // explicit provider id, or "auto"
	AgentName      string `json:"agentName,omitempty"`
}

// CallContext carries the caller scope for audit records and events.
type CallContext struct {
	ActorUserID   string
	BrandID       string
	TenantID      string
	CorrelationID string
}

// Output is one provider's successful generation result.
type Output struct {
	URL    string         `json:"url"`
	Width  int            `json:"width,omitempty"`
	Height int            `json:"height,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Result is the chain's outcome: the winning provider's output plus the
// resolved risk level and run id.
type Result struct {
	Output    *Output `json:"output"`
	Provider  string  `json:"provider"`
	RiskLevel string  `json:"riskLevel"`
	RunID     string  `json:"runId"`
}

// Provider is one generation backend. Availability is a function of
// configuration presence and is re-evaluated per call.
type Provider interface {
	// ID returns the stable provider identifier (e.g. "pollinations").
	ID() string
	// Kind returns the media kind this provider produces.
	Kind() Kind
	// IsFree reports whether calls to this provider are unbilled.
	IsFree() bool
	// Available reports whether the provider can be called right now.
	Available() bool
	// EstimateCostEUR is the per-call cost estimate used for budget admission.
	EstimateCostEUR() float64
	// Generate performs one generation attempt.
	Generate(ctx context.Context, req *Request) (*Output, error)
}
