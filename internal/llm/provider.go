// Package llm defines the model-provider contract used by the pipeline runner
// and the concrete adapters behind it.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds every model invocation.
const TimeoutLLMCall = 60 * time.Second

var (
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrUnknownModel         = errors.New("unknown model")
)

// Provider is the interface all model providers implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost estimates the cost in EUR for the given model and token counts.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Request represents a model generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents a model generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

// EstimateTokens approximates the token count of a prompt. Four characters
// per token is close enough for pre-run budget admission.
func EstimateTokens(text string) int {
	return len(text) / 4
}
