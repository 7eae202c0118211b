// Package bus implements the typed publish/subscribe fabric shared by every
// pipeline component: name aliasing, correlation-id propagation, and a
// wildcard channel for cross-cutting subscribers (audit, logging).
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orbist/conductor/internal/requestctx"
)

// Wildcard is the channel every publish fans out to, after all aliases.
const Wildcard = "*"

// EventContext carries actor and scope metadata on an envelope.
type EventContext struct {
	ActorUserID   string `json:"actorUserId,omitempty"`
	BrandID       string `json:"brandId,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	Role          string `json:"role,omitempty"`
	Source        string `json:"source,omitempty"`
	Module        string `json:"module"`
	Severity      string `json:"severity,omitempty"`
	RequestID     string `json:"requestId"`
	CorrelationID string `json:"correlationId"`
}

// Envelope is an immutable published event. Alias emissions are distinct
// envelopes carrying the alias as Name but sharing payload, context, and
// occurred-at with the primary emission.
type Envelope struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Payload    any           `json:"payload"`
	Context    *EventContext `json:"context"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// HandlerFunc processes a delivered envelope. Errors and panics are caught and
// logged; they never propagate to the publisher or block sibling subscribers.
type HandlerFunc func(ctx context.Context, env *Envelope) error

type subscription struct {
	id string
	fn HandlerFunc
}

// Bus is the process-wide event bus. Subscriptions are registered at startup;
// the registry is read-only during normal operation.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	aliases     map[string][]string
	observer    Observer
	wg          sync.WaitGroup
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithAliases sets the static alias table: publishing a name also emits to
// each configured alias, in declaration order.
func WithAliases(aliases map[string][]string) Option {
	return func(b *Bus) { b.aliases = aliases }
}

// WithObserver installs a diagnostic tap that sees every emission, including
// aliases and the wildcard fan-out. Nil observer has zero effect on publish.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string][]subscription),
		aliases:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given event name (or Wildcard).
// handlerID identifies the handler in failure logs.
func (b *Bus) Subscribe(name, handlerID string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = append(b.subscribers[name], subscription{id: handlerID, fn: fn})
}

// Publish emits the event to its exact name, every configured alias, and the
// wildcard channel, in that order. The wildcard envelope carries the original
// name so cross-cutting subscribers see one envelope per publish. Delivery is
// asynchronous with respect to the caller; emission order within one publish
// is deterministic.
func (b *Bus) Publish(ctx context.Context, name string, payload any, evctx *EventContext) {
	env := b.newEnvelope(ctx, name, payload, evctx)

	emissions := []*Envelope{env}
	for _, alias := range b.aliases[name] {
		if alias == name || alias == Wildcard {
			continue
		}
		emissions = append(emissions, env.withName(alias))
	}

	// Detach from the caller's deadline: delivery must survive request
	// cancellation, but keeps the request-scoped values for correlation.
	delivery := context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for i, emission := range emissions {
			b.observe(Emission{Envelope: emission, IsAlias: i > 0, Original: name})
			b.deliver(delivery, emission.Name, emission)
		}
		// Wildcard last, carrying the original (non-alias) name.
		b.observe(Emission{Envelope: env, Wildcard: true, Original: name})
		b.deliver(delivery, Wildcard, env)
	}()
}

// Drain blocks until all in-flight deliveries complete. Test and shutdown helper.
func (b *Bus) Drain() {
	b.wg.Wait()
}

func (b *Bus) newEnvelope(ctx context.Context, name string, payload any, evctx *EventContext) *Envelope {
	cp := EventContext{}
	if evctx != nil {
		cp = *evctx
	}
	if cp.CorrelationID == "" {
		cp.CorrelationID = requestctx.CorrelationID(ctx)
	}
	if cp.CorrelationID == "" {
		cp.CorrelationID = "corr_" + uuid.New().String()[:12]
	}
	if cp.RequestID == "" {
		cp.RequestID = cp.CorrelationID
	}
	if cp.Module == "" {
		cp.Module = moduleFromName(name)
	}
	if cp.TenantID == "" {
		cp.TenantID = requestctx.TenantID(ctx)
	}
	if cp.BrandID == "" {
		cp.BrandID = requestctx.BrandID(ctx)
	}
	return &Envelope{
		ID:         "evt_" + uuid.New().String()[:8],
		Name:       name,
		Payload:    payload,
		Context:    &cp,
		OccurredAt: time.Now().UTC(),
	}
}

// withName copies the envelope under an alias name. Payload and context are
// shared; envelopes are treated as immutable after publish.
func (e *Envelope) withName(name string) *Envelope {
	cp := *e
	cp.Name = name
	return &cp
}

func (b *Bus) deliver(ctx context.Context, channel string, env *Envelope) {
	b.mu.RLock()
	subs := b.subscribers[channel]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(ctx, sub, env)
	}
}

// invoke runs one handler, containing errors and panics.
func (b *Bus) invoke(ctx context.Context, sub subscription, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("handler_id", sub.id).
				Str("event", env.Name).
				Str("correlation_id", env.Context.CorrelationID).
				Interface("panic", r).
				Msg("event_handler_panicked")
		}
	}()
	if err := sub.fn(ctx, env); err != nil {
		log.Warn().Err(err).
			Str("handler_id", sub.id).
			Str("event", env.Name).
			Str("correlation_id", env.Context.CorrelationID).
			Msg("event_handler_failed")
	}
}

func (b *Bus) observe(e Emission) {
	if b.observer == nil {
		return
	}
	b.observer.Observe(e)
}

// moduleFromName derives the module tag from the first dot-delimited segment
// of the event name ("pricing.plan.generated" -> "pricing").
func moduleFromName(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
