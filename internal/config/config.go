// Package config holds OPERATOR-LEVEL configuration for a Conductor
// installation.
//
// This is infrastructure config set by whoever deploys the process, NOT
// tenant or end-user configuration. The boundary is:
//
//   - Operator config (this package): data directory, vault encryption key,
//     default model, agents directory, listen address. Set via env vars
//     (CONDUCTOR_*) or config file (conductor.config.yaml).
//
//   - Tenant config: provider API keys and per-agent credentials. Stored
//     ONLY in the encrypted secrets vault (internal/secrets). Every access
//     is ACL-checked and audit-logged.
//
// Tenant credentials MUST NEVER appear in this config in production. Env
// vars like OPENAI_API_KEY are supported solely as a quickstart fallback
// for single-tenant development.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the CONDUCTOR_ prefix
// (e.g. "secrets_key" → CONDUCTOR_SECRETS_KEY) and to a YAML field
// in conductor.config.yaml.
const (
	KeyDataDir      = "data_dir"
	KeySecretsKey   = "secrets_key"
	KeyAgentsDir    = "agents_dir"
	KeyDefaultModel = "default_model"
	KeyListenAddr   = "listen_addr"
	KeyTenantsFile  = "tenants_file"
	KeyOTelEnabled  = "otel_enabled"
)

// Defaults that do NOT involve crypto material. The encryption key has no
// baked-in default — when unset we derive a deterministic per-machine
// fallback and warn loudly.
const (
	DefaultAgentsDir  = "agents"
	DefaultModel      = "gpt-4o-mini"
	DefaultListenAddr = ":8420"
)

// Config holds resolved operator-level configuration for a Conductor
// process. Provider API keys live in the secrets vault, not here.
type Config struct {
	DataDir      string // Base directory for all state (~/.conductor)
	SecretsKey   string // Vault encryption key (32 raw bytes or 64 hex chars)
	AgentsDir    string // Directory of agent manifest YAML files
	DefaultModel string // Model used when a run does not specify one
	ListenAddr   string // HTTP listen address
	TenantsFile  string // Optional YAML file of tenant definitions
	OTelEnabled  bool   // Emit OpenTelemetry traces

	usingDefaultSecretsKey bool
}

// UsingDefaultSecretsKey reports whether the vault key fell back to a
// derived default. Commands should warn when this is the case.
func (c *Config) UsingDefaultSecretsKey() bool {
	return c.usingDefaultSecretsKey
}

// LedgerDBPath returns the full path to the usage ledger SQLite database.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// InsightDBPath returns the full path to the insight SQLite database.
func (c *Config) InsightDBPath() string {
	return filepath.Join(c.DataDir, "insight.db")
}

// SecretsDBPath returns the full path to the secrets SQLite database.
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKey logs a warning when the vault key is not explicitly set.
// Suppressed when CONDUCTOR_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKey() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSecretsKey {
		log.Warn().Msg("Using generated default CONDUCTOR_SECRETS_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("CONDUCTOR_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("CONDUCTOR")
	viper.AutomaticEnv()
	viper.SetDefault(KeyAgentsDir, DefaultAgentsDir)
	viper.SetDefault(KeyDefaultModel, DefaultModel)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:      resolveDataDir(),
		SecretsKey:   viper.GetString(KeySecretsKey),
		AgentsDir:    viper.GetString(KeyAgentsDir),
		DefaultModel: viper.GetString(KeyDefaultModel),
		ListenAddr:   viper.GetString(KeyListenAddr),
		TenantsFile:  viper.GetString(KeyTenantsFile),
		OTelEnabled:  viper.GetBool(KeyOTelEnabled),
	}

	if cfg.SecretsKey == "" {
		cfg.SecretsKey = deriveDefaultKey(cfg.DataDir, "secrets-encryption")
		cfg.usingDefaultSecretsKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong — it
// exists solely so a fresh install works out of the box while still
// encrypting vault data at rest with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("conductor:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSecretsKey(c.SecretsKey); err != nil {
		return err
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("default_model must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}

// validateSecretsKey accepts either 32 raw bytes or 64 hex characters.
func validateSecretsKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("secrets_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("secrets_key must be exactly 32 bytes or 64 hex characters (got %d); set CONDUCTOR_SECRETS_KEY", n)
}

func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
