package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orbist/conductor/internal/bus"
	"github.com/orbist/conductor/internal/config"
	"github.com/orbist/conductor/internal/contexts"
	"github.com/orbist/conductor/internal/insight"
	"github.com/orbist/conductor/internal/ledger"
	"github.com/orbist/conductor/internal/llm"
	"github.com/orbist/conductor/internal/manifest"
	"github.com/orbist/conductor/internal/pipeline"
	"github.com/orbist/conductor/internal/policy"
	"github.com/orbist/conductor/internal/secrets"
)

var (
	runPrompt  string
	runTask    string
	runTenant  string
	runBrand   string
	runUser    string
	runRole    string
	runPerms   []string
	runDry     bool
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run <agent-id-or-scope>",
	Short: "Execute one pipeline run and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "prompt text for the agent")
	runCmd.Flags().StringVar(&runTask, "task", "", "task payload as a JSON object")
	runCmd.Flags().StringVar(&runTenant, "tenant", "default", "tenant id for the run")
	runCmd.Flags().StringVar(&runBrand, "brand", "", "brand id for the run")
	runCmd.Flags().StringVar(&runUser, "user", "cli", "acting user id")
	runCmd.Flags().StringVar(&runRole, "role", "admin", "acting user role")
	runCmd.Flags().StringSliceVar(&runPerms, "perm", nil, "granted permission (repeatable)")
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "compose messages and stop before the model call")
	runCmd.Flags().BoolVar(&runVerbose, "show-messages", false, "include composed messages in the output")
	rootCmd.AddCommand(runCmd)
}

// cliRuntime bundles the stores a one-shot command needs. close releases
// them in reverse order of construction.
type cliRuntime struct {
	cfg      *config.Config
	registry *manifest.Registry
	runner   *pipeline.Runner
	ledger   *ledger.Store
	insights *insight.Store
	vault    *secrets.Vault
	close    func()
}

func buildRuntime(ctx context.Context) (*cliRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKey()

	registry, err := manifest.LoadDir(ctx, cfg.AgentsDir)
	if err != nil {
		return nil, fmt.Errorf("loading agent manifests: %w", err)
	}

	engine, err := policy.NewEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		return nil, fmt.Errorf("initializing secrets vault: %w", err)
	}

	ledgerStore, err := ledger.NewStore(cfg.LedgerDBPath())
	if err != nil {
		vault.Close()
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}

	insights, err := insight.NewStore(cfg.InsightDBPath())
	if err != nil {
		ledgerStore.Close()
		vault.Close()
		return nil, fmt.Errorf("initializing insights: %w", err)
	}

	openAIKey := resolveProviderKey(ctx, vault, "openai_api_key", "OPENAI_API_KEY")
	runner := pipeline.NewRunner(pipeline.Config{
		Agents:   registry,
		Contexts: contexts.NewRegistry(),
		Policy:   engine,
		Ledger:   ledgerStore,
		Insights: insights,
		Provider: llm.NewOpenAIProvider(openAIKey),
		Bus:      bus.New(),
		Model:    cfg.DefaultModel,
	})

	return &cliRuntime{
		cfg:      cfg,
		registry: registry,
		runner:   runner,
		ledger:   ledgerStore,
		insights: insights,
		vault:    vault,
		close: func() {
			_ = insights.Close()
			_ = ledgerStore.Close()
			_ = vault.Close()
		},
	}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	var task map[string]any
	if runTask != "" {
		if err := json.Unmarshal([]byte(runTask), &task); err != nil {
			return fmt.Errorf("parsing --task: %w", err)
		}
	}

	res, err := rt.runner.Run(ctx, &pipeline.RunRequest{
		AgentID: args[0],
		Task:    task,
		Prompt:  runPrompt,
		Actor: &pipeline.Actor{
			UserID:      runUser,
			Role:        runRole,
			Permissions: runPerms,
			BrandID:     runBrand,
			TenantID:    runTenant,
		},
		BrandID:  runBrand,
		TenantID: runTenant,
		DryRun:   runDry,
	})
	if err != nil {
		return err
	}

	if !runVerbose {
		res.Messages = nil
	}
	if !res.Success {
		log.Warn().Str("status", res.Status).Strs("errors", res.Errors).Msg("run_not_successful")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
