// Package contexts resolves the domain inputs an agent run needs: a registry
// of named builders (pricing, invoice, CRM, ...) invoked per manifest-declared
// requirement, tolerant of optional gaps and strict about required ones.
package contexts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/orbist/conductor/internal/manifest"
	conductorotel "github.com/orbist/conductor/internal/otel"
)

var tracer = conductorotel.Tracer("internal/contexts")

// ErrMissingContext indicates a required context could not be resolved,
// either because no builder is registered for it or the builder failed.
var ErrMissingContext = errors.New("required context missing")

// Options carries the caller scope a builder may need to load tenant-safe
// data. Builders must treat these as read-only.
type Options struct {
	BrandID             string
	TenantID            string
	Role                string
	Permissions         []string
	IncludeEmbeddings   bool
	RequiredPermissions []string
}

// Builder loads one named domain context from the task payload. Returning
// (nil, nil) means the builder ran but found nothing to contribute; the
// context is then dropped from the bundle like an optional miss.
type Builder interface {
	Build(ctx context.Context, task map[string]any, opts *Options) (any, error)
}

// BuilderFunc adapts a plain function to the Builder interface.
type BuilderFunc func(ctx context.Context, task map[string]any, opts *Options) (any, error)

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, task map[string]any, opts *Options) (any, error) {
	return f(ctx, task, opts)
}

// Registry maps builder keys to their implementations. Registration happens
// at startup; Resolve treats the table as read-only.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register binds a builder key. Re-registering a key replaces the previous
// builder; the last registration wins.
func (r *Registry) Register(key string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[key] = b
}

// Lookup returns the builder for a key, if registered.
func (r *Registry) Lookup(key string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[key]
	return b, ok
}

// Bundle maps context names to their resolved domain objects. Missing
// optional contexts are simply absent.
type Bundle map[string]any

// Resolve builds every context the manifest declares, concurrently. A missing
// builder or builder failure on a required context aborts the whole
// resolution with ErrMissingContext; on an optional context it is logged and
// the context skipped.
func (r *Registry) Resolve(ctx context.Context, reqs []manifest.ContextRequirement, task map[string]any, opts *Options) (Bundle, error) {
	ctx, span := tracer.Start(ctx, "contexts.resolve")
	defer span.End()

	if opts == nil {
		opts = &Options{}
	}

	bundle := make(Bundle, len(reqs))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)

	for _, req := range reqs {
		builder, ok := r.Lookup(req.Builder)
		if !ok {
			if req.Required {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: no builder %q for context %q", ErrMissingContext, req.Builder, req.Name)
				}
				mu.Unlock()
				break
			}
			log.Debug().
				Str("context", req.Name).
				Str("builder", req.Builder).
				Msg("optional_context_builder_missing")
			continue
		}

		wg.Add(1)
		go func(req manifest.ContextRequirement, builder Builder) {
			defer wg.Done()
			value, err := safeBuild(ctx, builder, task, opts)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && req.Required:
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: building %q: %v", ErrMissingContext, req.Name, err)
				}
			case err != nil:
				log.Warn().
					Err(err).
					Str("context", req.Name).
					Str("builder", req.Builder).
					Msg("optional_context_build_failed")
			case value != nil:
				bundle[req.Name] = value
			}
		}(req, builder)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return bundle, nil
}

// safeBuild converts a builder panic into an error so one misbehaving builder
// cannot take down the run loop.
func safeBuild(ctx context.Context, b Builder, task map[string]any, opts *Options) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("builder panic: %v", rec)
		}
	}()
	return b.Build(ctx, task, opts)
}

// identifierAliases is the fixed precedence order used when extracting the
// entity identifier from a task payload. Earlier names win.
var identifierAliases = []string{
	"entityId",
	"productId",
	"invoiceId",
	"leadId",
	"customerId",
	"ticketId",
	"campaignId",
	"partnerId",
	"orderId",
	"id",
}

// EntityID extracts the first populated identifier alias from the task
// payload. Returns "" when none is present.
func EntityID(task map[string]any) string {
	for _, key := range identifierAliases {
		if v, ok := task[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
