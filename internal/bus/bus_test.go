package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbist/conductor/internal/requestctx"
)

// recorder collects delivered envelopes in order, safely across goroutines.
type recorder struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (r *recorder) handler() HandlerFunc {
	return func(_ context.Context, env *Envelope) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.envs = append(r.envs, env)
		return nil
	}
}

func (r *recorder) all() []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Envelope(nil), r.envs...)
}

func TestPublishExactName(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Subscribe("pricing.plan.generated", "test", rec.handler())

	b.Publish(context.Background(), "pricing.plan.generated", map[string]any{"planId": "p1"}, nil)
	b.Drain()

	envs := rec.all()
	require.Len(t, envs, 1)
	assert.Equal(t, "pricing.plan.generated", envs[0].Name)
	assert.NotEmpty(t, envs[0].ID)
	assert.NotEmpty(t, envs[0].Context.CorrelationID)
	assert.Equal(t, "pricing", envs[0].Context.Module)
	assert.False(t, envs[0].OccurredAt.IsZero())
}

func TestPublishAliasFanOut(t *testing.T) {
	b := New(WithAliases(map[string][]string{
		"crm.lead.scored": {"crm.lead.updated", "legacy.lead.scored"},
	}))

	all := &recorder{}
	b.Subscribe(Wildcard, "wildcard", all.handler())
	aliased := &recorder{}
	b.Subscribe("legacy.lead.scored", "legacy", aliased.handler())

	b.Publish(context.Background(), "crm.lead.scored", nil, nil)
	b.Drain()

	// Wildcard sees exactly one envelope per publish, with the original name.
	wc := all.all()
	require.Len(t, wc, 1)
	assert.Equal(t, "crm.lead.scored", wc[0].Name)

	// Alias subscribers see a distinct envelope named after the alias.
	legacy := aliased.all()
	require.Len(t, legacy, 1)
	assert.Equal(t, "legacy.lead.scored", legacy[0].Name)
	assert.Equal(t, wc[0].Context.CorrelationID, legacy[0].Context.CorrelationID)
}

func TestPublishEmissionCount(t *testing.T) {
	// N aliases -> N+2 total emissions (primary + aliases + wildcard), with a
	// self-alias never re-emitted as a duplicate.
	obs := NewAuditObserver([]string{"finance.invoice.validated"})
	b := New(
		WithAliases(map[string][]string{
			"finance.invoice.validated": {
				"finance.invoice.checked",
				"finance.invoice.validated", // self-alias, skipped
				"*",                         // wildcard sentinel, skipped
			},
		}),
		WithObserver(obs),
	)

	b.Publish(context.Background(), "finance.invoice.validated", nil, nil)
	b.Drain()

	rep := obs.Report()
	// primary + 1 real alias + wildcard emission of the primary name
	assert.Equal(t, 2, rep.Counts["finance.invoice.validated"])
	assert.Equal(t, 1, rep.Counts["finance.invoice.checked"])
	assert.Equal(t, 1, rep.Published)
}

func TestPublishOrderingAliasesBeforeWildcard(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(tag string) HandlerFunc {
		return func(_ context.Context, env *Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, tag+":"+env.Name)
			return nil
		}
	}

	b := New(WithAliases(map[string][]string{
		"support.ticket.triaged": {"alias.one", "alias.two"},
	}))
	b.Subscribe("support.ticket.triaged", "primary", record("p"))
	b.Subscribe("alias.one", "a1", record("a"))
	b.Subscribe("alias.two", "a2", record("a"))
	b.Subscribe(Wildcard, "wc", record("w"))

	b.Publish(context.Background(), "support.ticket.triaged", nil, nil)
	b.Drain()

	require.Equal(t, []string{
		"p:support.ticket.triaged",
		"a:alias.one",
		"a:alias.two",
		"w:support.ticket.triaged",
	}, order)
}

func TestCorrelationIDPrecedence(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Subscribe("os.insight.created", "test", rec.handler())

	t.Run("explicit wins", func(t *testing.T) {
		ctx := requestctx.SetCorrelationID(context.Background(), "corr_ambient")
		b.Publish(ctx, "os.insight.created", nil, &EventContext{CorrelationID: "corr_explicit"})
		b.Drain()
		envs := rec.all()
		assert.Equal(t, "corr_explicit", envs[len(envs)-1].Context.CorrelationID)
	})

	t.Run("ambient fallback", func(t *testing.T) {
		ctx := requestctx.SetCorrelationID(context.Background(), "corr_ambient")
		b.Publish(ctx, "os.insight.created", nil, nil)
		b.Drain()
		envs := rec.all()
		assert.Equal(t, "corr_ambient", envs[len(envs)-1].Context.CorrelationID)
	})

	t.Run("generated when absent", func(t *testing.T) {
		b.Publish(context.Background(), "os.insight.created", nil, nil)
		b.Drain()
		envs := rec.all()
		assert.Contains(t, envs[len(envs)-1].Context.CorrelationID, "corr_")
	})
}

func TestHandlerFailureDoesNotBlockSiblings(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Subscribe("media.generation.completed", "failing", func(context.Context, *Envelope) error {
		return errors.New("boom")
	})
	b.Subscribe("media.generation.completed", "panicking", func(context.Context, *Envelope) error {
		panic("boom")
	})
	b.Subscribe("media.generation.completed", "healthy", rec.handler())

	b.Publish(context.Background(), "media.generation.completed", nil, nil)
	b.Drain()

	assert.Len(t, rec.all(), 1)
}

func TestAuditObserverNovelty(t *testing.T) {
	obs := NewAuditObserver([]string{"known.event"})
	b := New(WithObserver(obs))
	b.Publish(context.Background(), "known.event", nil, nil)
	b.Publish(context.Background(), "surprise.event", nil, nil)
	b.Drain()

	rep := obs.Report()
	assert.Contains(t, rep.Unknown, "surprise.event")
	assert.NotContains(t, rep.Unknown, "known.event")
	assert.Equal(t, 2, rep.Published)
}

func TestModuleFromName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"pricing.plan.generated", "pricing"},
		{"flat", "flat"},
		{".leading", ".leading"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, moduleFromName(tt.name), tt.name)
	}
}
