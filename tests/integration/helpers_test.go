//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbist/conductor/internal/bus"
	"github.com/orbist/conductor/internal/contexts"
	"github.com/orbist/conductor/internal/manifest"
	"github.com/orbist/conductor/internal/pipeline"
	"github.com/orbist/conductor/internal/policy"
	"github.com/orbist/conductor/internal/testutil"
)

// WriteManifest writes one agent manifest YAML into dir.
func WriteManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

// SetupStack loads manifests from dir and builds a runner with real SQLite
// stores and a mock model provider.
func SetupStack(t *testing.T, dir string, provider *testutil.MockProvider, builders map[string]contexts.Builder) (*pipeline.Runner, *manifest.Registry, *pipeline.Config) {
	t.Helper()

	registry, err := manifest.LoadDir(context.Background(), dir)
	require.NoError(t, err)

	engine, err := policy.NewEngine(context.Background())
	require.NoError(t, err)

	ctxRegistry := contexts.NewRegistry()
	for key, b := range builders {
		ctxRegistry.Register(key, b)
	}

	if provider == nil {
		provider = &testutil.MockProvider{ProviderName: "openai"}
	}

	cfg := &pipeline.Config{
		Agents:   registry,
		Contexts: ctxRegistry,
		Policy:   engine,
		Ledger:   testutil.NewTestLedger(t),
		Insights: testutil.NewTestInsights(t),
		Provider: provider,
		Bus:      bus.New(),
	}
	return pipeline.NewRunner(*cfg), registry, cfg
}
