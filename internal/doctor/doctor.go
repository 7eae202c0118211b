// Package doctor provides health checks for Conductor configuration and
// runtime. Used by `conductor doctor` before enabling agents in production.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orbist/conductor/internal/config"
	"github.com/orbist/conductor/internal/ledger"
	"github.com/orbist/conductor/internal/manifest"
	"github.com/orbist/conductor/internal/policy"
	"github.com/orbist/conductor/internal/secrets"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context) *Report {
	report := &Report{}

	cfg, cfgChecks := checkConfig()
	report.Checks = append(report.Checks, cfgChecks...)
	if cfg != nil {
		report.Checks = append(report.Checks, checkStores(cfg)...)
		report.Checks = append(report.Checks, checkAgents(ctx, cfg)...)
		report.Checks = append(report.Checks, checkProviderKeys(ctx, cfg)...)
	}
	report.Checks = append(report.Checks, checkPolicy(ctx))

	report.Status = "pass"
	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
			if report.Status == "pass" {
				report.Status = "warn"
			}
		case "fail":
			report.Summary.Fail++
			report.Status = "fail"
		}
	}
	return report
}

func checkConfig() (*config.Config, []CheckResult) {
	cfg, err := config.Load()
	if err != nil {
		return nil, []CheckResult{{
			Name:     "config",
			Category: "config",
			Status:   "fail",
			Message:  err.Error(),
			Fix:      "fix conductor.config.yaml or the CONDUCTOR_* env vars",
		}}
	}

	checks := []CheckResult{{
		Name:     "config",
		Category: "config",
		Status:   "pass",
		Message:  fmt.Sprintf("configuration loaded, data dir %s", cfg.DataDir),
	}}

	if cfg.UsingDefaultSecretsKey() {
		checks = append(checks, CheckResult{
			Name:     "secrets_key",
			Category: "config",
			Status:   "warn",
			Message:  "vault encryption key is a derived default",
			Fix:      "set CONDUCTOR_SECRETS_KEY for production (openssl rand -hex 32)",
		})
	} else {
		checks = append(checks, CheckResult{
			Name:     "secrets_key",
			Category: "config",
			Status:   "pass",
			Message:  "vault encryption key explicitly configured",
		})
	}

	if err := cfg.EnsureDataDir(); err != nil {
		checks = append(checks, CheckResult{
			Name:     "data_dir",
			Category: "config",
			Status:   "fail",
			Message:  fmt.Sprintf("data directory not writable: %v", err),
			Fix:      "create the directory or point CONDUCTOR_DATA_DIR elsewhere",
		})
	} else {
		checks = append(checks, CheckResult{
			Name:     "data_dir",
			Category: "config",
			Status:   "pass",
			Message:  "data directory writable",
		})
	}

	return cfg, checks
}

func checkStores(cfg *config.Config) []CheckResult {
	var checks []CheckResult

	if store, err := ledger.NewStore(cfg.LedgerDBPath()); err != nil {
		checks = append(checks, CheckResult{
			Name:     "ledger",
			Category: "storage",
			Status:   "fail",
			Message:  fmt.Sprintf("ledger database: %v", err),
		})
	} else {
		_ = store.Close()
		checks = append(checks, CheckResult{
			Name:     "ledger",
			Category: "storage",
			Status:   "pass",
			Message:  "ledger database opens",
		})
	}

	if vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey); err != nil {
		checks = append(checks, CheckResult{
			Name:     "vault",
			Category: "storage",
			Status:   "fail",
			Message:  fmt.Sprintf("secrets vault: %v", err),
		})
	} else {
		_ = vault.Close()
		checks = append(checks, CheckResult{
			Name:     "vault",
			Category: "storage",
			Status:   "pass",
			Message:  "secrets vault opens",
		})
	}

	return checks
}

func checkAgents(ctx context.Context, cfg *config.Config) []CheckResult {
	dir := cfg.AgentsDir
	if _, err := os.Stat(dir); err != nil {
		return []CheckResult{{
			Name:     "agents_dir",
			Category: "agents",
			Status:   "warn",
			Message:  fmt.Sprintf("agents directory %s not found", dir),
			Fix:      "create it and add agent manifest YAML files, or set CONDUCTOR_AGENTS_DIR",
		}}
	}

	registry, err := manifest.LoadDir(ctx, dir)
	if err != nil {
		return []CheckResult{{
			Name:     "agents",
			Category: "agents",
			Status:   "fail",
			Message:  fmt.Sprintf("loading manifests: %v", err),
			Fix:      fmt.Sprintf("fix the manifest files under %s", filepath.Clean(dir)),
		}}
	}

	n := len(registry.All())
	status := "pass"
	msg := fmt.Sprintf("%d agent manifest(s) loaded", n)
	if n == 0 {
		status = "warn"
		msg = "no agent manifests found"
	}
	return []CheckResult{{Name: "agents", Category: "agents", Status: status, Message: msg}}
}

func checkProviderKeys(ctx context.Context, cfg *config.Config) []CheckResult {
	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		// already reported by checkStores
		return nil
	}
	defer vault.Close()

	if vault.Has(ctx, "openai_api_key") {
		return []CheckResult{{
			Name:     "openai_key",
			Category: "providers",
			Status:   "pass",
			Message:  "openai_api_key present in vault",
		}}
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return []CheckResult{{
			Name:     "openai_key",
			Category: "providers",
			Status:   "warn",
			Message:  "OpenAI key comes from env var, not the vault",
			Fix:      "conductor secrets set openai_api_key <key>",
		}}
	}
	return []CheckResult{{
		Name:     "openai_key",
		Category: "providers",
		Status:   "warn",
		Message:  "no OpenAI key configured; model runs will fail",
		Fix:      "conductor secrets set openai_api_key <key>",
	}}
}

func checkPolicy(ctx context.Context) CheckResult {
	if _, err := policy.NewEngine(ctx); err != nil {
		return CheckResult{
			Name:     "policy",
			Category: "policy",
			Status:   "fail",
			Message:  fmt.Sprintf("compiling embedded policies: %v", err),
		}
	}
	return CheckResult{
		Name:     "policy",
		Category: "policy",
		Status:   "pass",
		Message:  "embedded policies compile",
	}
}
