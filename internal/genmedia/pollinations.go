package genmedia

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const pollinationsBaseURL = "https://image.pollinations.ai"

// PollinationsProvider generates images through the free pollinations.ai
// endpoint. It needs no API key, which makes it the usual safe floor of the
// image chain.
type PollinationsProvider struct {
	baseURL string
	client  *http.Client
}

// NewPollinationsProvider creates the provider against the public endpoint.
func NewPollinationsProvider() *PollinationsProvider {
	return &PollinationsProvider{baseURL: pollinationsBaseURL, client: http.DefaultClient}
}

// NewPollinationsProviderWithBaseURL points the provider at a custom base
// URL for tests.
func NewPollinationsProviderWithBaseURL(baseURL string) *PollinationsProvider {
	return &PollinationsProvider{baseURL: baseURL, client: http.DefaultClient}
}

func (p *PollinationsProvider) ID() string   { return "pollinations" }
func (p *PollinationsProvider) Kind() Kind   { return KindImage }
func (p *PollinationsProvider) IsFree() bool { return true }

// Available is always true; the endpoint needs no credentials.
func (p *PollinationsProvider) Available() bool { return true }

func (p *PollinationsProvider) EstimateCostEUR() float64 { return 0 }

// Generate builds the image URL and verifies the endpoint accepts the
// prompt. The service renders on first fetch, so a HEAD-style probe keeps
// the attempt cheap.
func (p *PollinationsProvider) Generate(ctx context.Context, req *Request) (*Output, error) {
	width, height := req.Width, req.Height
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 1024
	}

	q := url.Values{}
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	q.Set("nologo", "true")
	if req.NegativePrompt != "" {
		q.Set("negative", req.NegativePrompt)
	}
	imageURL := fmt.Sprintf("%s/prompt/%s?%s", p.baseURL, url.PathEscape(req.Prompt), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building pollinations request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("probing pollinations: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("pollinations returned status %d", resp.StatusCode)
	}

	return &Output{
		URL:    imageURL,
		Width:  width,
		Height: height,
		Meta:   map[string]any{"model": "flux"},
	}, nil
}
