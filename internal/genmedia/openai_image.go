package genmedia

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIImageProvider generates images through the OpenAI images endpoint.
type OpenAIImageProvider struct {
	client *openai.Client
	apiKey string
}

// NewOpenAIImageProvider creates the provider. An empty apiKey leaves it
// registered but unavailable.
func NewOpenAIImageProvider(apiKey string) *OpenAIImageProvider {
	p := &OpenAIImageProvider{apiKey: apiKey}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// NewOpenAIImageProviderWithBaseURL points the provider at a custom base URL
// for tests.
func NewOpenAIImageProviderWithBaseURL(apiKey, baseURL string) *OpenAIImageProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &OpenAIImageProvider{apiKey: apiKey, client: openai.NewClientWithConfig(config)}
}

func (p *OpenAIImageProvider) ID() string   { return "openai-image" }
func (p *OpenAIImageProvider) Kind() Kind   { return KindImage }
func (p *OpenAIImageProvider) IsFree() bool { return false }

// Available reports whether an API key is configured.
func (p *OpenAIImageProvider) Available() bool { return p.apiKey != "" && p.client != nil }

// EstimateCostEUR is a flat per-image estimate.
func (p *OpenAIImageProvider) EstimateCostEUR() float64 { return 0.04 }

// Generate requests one image and returns its URL.
func (p *OpenAIImageProvider) Generate(ctx context.Context, req *Request) (*Output, error) {
	size := openai.CreateImageSize1024x1024
	if req.Width == 1792 || req.Height == 1792 {
		size = openai.CreateImageSize1792x1024
		if req.Height > req.Width {
			size = openai.CreateImageSize1024x1792
		}
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          openai.CreateImageModelDallE3,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, fmt.Errorf("openai image call: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai image call: no images returned")
	}

	return &Output{
		URL:    resp.Data[0].URL,
		Width:  req.Width,
		Height: req.Height,
		Meta:   map[string]any{"model": openai.CreateImageModelDallE3},
	}, nil
}
