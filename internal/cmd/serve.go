package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orbist/conductor/internal/bus"
	"github.com/orbist/conductor/internal/config"
	"github.com/orbist/conductor/internal/contexts"
	"github.com/orbist/conductor/internal/genmedia"
	"github.com/orbist/conductor/internal/insight"
	"github.com/orbist/conductor/internal/ledger"
	"github.com/orbist/conductor/internal/llm"
	"github.com/orbist/conductor/internal/manifest"
	"github.com/orbist/conductor/internal/pipeline"
	"github.com/orbist/conductor/internal/policy"
	"github.com/orbist/conductor/internal/secrets"
	"github.com/orbist/conductor/internal/server"
	"github.com/orbist/conductor/internal/tenant"
	"github.com/orbist/conductor/internal/trigger"
)

var (
	serveAddr          string
	serveTriggerTenant string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Conductor server with cron triggers and webhook endpoints",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveTriggerTenant, "trigger-tenant", "default", "tenant id attributed to scheduled and webhook runs")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> tenant_id from CONDUCTOR_API_KEYS
// (comma-separated; each entry key or key:tenant_id).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantID
	}
	return m
}

// resolveProviderKey fetches a provider key from the vault, falling back to
// the given env var for single-tenant development setups.
func resolveProviderKey(ctx context.Context, vault *secrets.Vault, name, envVar string) string {
	if secret, err := vault.Get(ctx, name, "default", "conductor-core"); err == nil {
		return string(secret.Value)
	}
	if v := os.Getenv(envVar); v != "" {
		log.Warn().Str("secret", name).Msgf("using %s env var instead of vault-stored key", envVar)
		return v
	}
	return ""
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKey()

	registry, err := manifest.LoadDir(ctx, cfg.AgentsDir)
	if err != nil {
		return fmt.Errorf("loading agent manifests: %w", err)
	}

	engine, err := policy.NewEngine(ctx)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("initializing secrets vault: %w", err)
	}
	defer vault.Close()

	ledgerStore, err := ledger.NewStore(cfg.LedgerDBPath())
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer ledgerStore.Close()

	insights, err := insight.NewStore(cfg.InsightDBPath())
	if err != nil {
		return fmt.Errorf("initializing insights: %w", err)
	}
	defer insights.Close()

	eventBus := bus.New()

	openAIKey := resolveProviderKey(ctx, vault, "openai_api_key", "OPENAI_API_KEY")
	if openAIKey == "" {
		log.Warn().Msg("no OpenAI key configured — model runs will fail until one is stored in the vault")
	}
	provider := llm.NewOpenAIProvider(openAIKey)

	var tenantManager *tenant.Manager
	if cfg.TenantsFile != "" {
		tenants, err := tenant.LoadFile(cfg.TenantsFile)
		if err != nil {
			return fmt.Errorf("loading tenants: %w", err)
		}
		tenantManager = tenant.NewManager(tenants, ledgerStore)
	} else {
		tenantManager = tenant.NewManager([]tenant.Tenant{{ID: "default"}}, ledgerStore)
	}

	runner := pipeline.NewRunner(pipeline.Config{
		Agents:   registry,
		Contexts: contexts.NewRegistry(),
		Policy:   engine,
		Ledger:   ledgerStore,
		Insights: insights,
		Provider: provider,
		Bus:      eventBus,
		Tenants:  tenantManager,
		Model:    cfg.DefaultModel,
	})

	mediaChain := genmedia.NewChain(genmedia.Config{
		Agents:       registry,
		Policy:       engine,
		Ledger:       ledgerStore,
		Bus:          eventBus,
		SafeProvider: map[genmedia.Kind]string{genmedia.KindImage: "pollinations"},
	})
	mediaChain.Register(genmedia.NewPollinationsProvider())
	mediaChain.Register(genmedia.NewOpenAIImageProvider(openAIKey))

	scheduler := trigger.NewScheduler(runner, serveTriggerTenant)
	if err := scheduler.RegisterAll(registry); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	webhookHandler := trigger.NewWebhookHandler(runner, registry, serveTriggerTenant)

	apiKeys := parseAPIKeys(os.Getenv("CONDUCTOR_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("CONDUCTOR_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(
		runner,
		registry,
		ledgerStore,
		insights,
		apiKeys,
		server.WithMediaChain(mediaChain),
		server.WithVault(vault),
		server.WithTenantManager(tenantManager),
		server.WithWebhookHandler(webhookHandler),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("agents", len(registry.All())).
		Int("cron_entries", scheduler.Entries()).
		Msg("conductor_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
