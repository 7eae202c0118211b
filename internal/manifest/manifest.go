// Package manifest defines the static agent descriptors loaded once at boot.
//
// A manifest declares everything the pipeline needs to govern an agent: scope,
// capabilities, required input contexts, output contract, autonomy level, and
// safety permissions. Manifests are immutable after load; the registry is
// read-only during normal operation.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/orbist/conductor/internal/autonomy"
)

// ContextRequirement names one input context the agent needs and the builder
// that resolves it. Optional contexts are skipped when the builder is missing
// or fails; required ones abort the pipeline.
type ContextRequirement struct {
	Name     string `yaml:"name" json:"name"`
	Builder  string `yaml:"builder" json:"builder"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Schedule is a cron-based automatic invocation of the agent.
type Schedule struct {
	Cron        string `yaml:"cron" json:"cron"`
	Prompt      string `yaml:"prompt" json:"prompt"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Webhook is a named HTTP trigger. The prompt template is rendered with the
// incoming JSON payload bound to .payload.
type Webhook struct {
	Name           string `yaml:"name" json:"name"`
	PromptTemplate string `yaml:"prompt_template" json:"prompt_template"`
	Description    string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Budget sets per-run and daily spend ceilings for the agent, in EUR and tokens.
type Budget struct {
	PerRunEUR    float64 `yaml:"per_run_eur,omitempty" json:"per_run_eur,omitempty"`
	DailyEUR     float64 `yaml:"daily_eur,omitempty" json:"daily_eur,omitempty"`
	MaxRunTokens int     `yaml:"max_run_tokens,omitempty" json:"max_run_tokens,omitempty"`
}

// MediaPreferences orders generation providers for this agent.
type MediaPreferences struct {
	ImageProviders []string `yaml:"image_providers,omitempty" json:"image_providers,omitempty"`
	VideoProviders []string `yaml:"video_providers,omitempty" json:"video_providers,omitempty"`
}

// Manifest is the static descriptor for one agent.
type Manifest struct {
	ID             string               `yaml:"id" json:"id"`
	Name           string               `yaml:"name" json:"name"`
	Description    string               `yaml:"description,omitempty" json:"description,omitempty"`
	Version        string               `yaml:"version,omitempty" json:"version,omitempty"`
	Scope          string               `yaml:"scope" json:"scope"`
	Capabilities   []string             `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Contexts       []ContextRequirement `yaml:"contexts,omitempty" json:"contexts,omitempty"`
	OutputContract string               `yaml:"output_contract,omitempty" json:"output_contract,omitempty"`
	Autonomy       autonomy.Level       `yaml:"autonomy" json:"autonomy"`
	Permissions    []string             `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	SafetyRules    []string             `yaml:"safety_rules,omitempty" json:"safety_rules,omitempty"`
	Budget         *Budget              `yaml:"budget,omitempty" json:"budget,omitempty"`
	Media          *MediaPreferences    `yaml:"media,omitempty" json:"media,omitempty"`
	Schedules      []Schedule           `yaml:"schedules,omitempty" json:"schedules,omitempty"`
	Webhooks       []Webhook            `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`

	// Computed at load time, not serialized from YAML.
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// ComputeHash sets Hash from the raw manifest bytes and VersionTag to
// "{version}:sha256:{first8}".
func (m *Manifest) ComputeHash(content []byte) {
	sum := sha256.Sum256(content)
	m.Hash = hex.EncodeToString(sum[:])
	version := m.Version
	if version == "" {
		version = "0.0.0"
	}
	m.VersionTag = fmt.Sprintf("%s:sha256:%s", version, m.Hash[:8])
}

// Validate checks the fields the pipeline depends on.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	if m.Name == "" {
		return fmt.Errorf("manifest %s missing name", m.ID)
	}
	if m.Scope == "" {
		return fmt.Errorf("manifest %s missing scope", m.ID)
	}
	switch m.Autonomy {
	case autonomy.LevelSupervised, autonomy.LevelAssisted, autonomy.LevelAutonomous, autonomy.LevelBlocked:
	default:
		return fmt.Errorf("manifest %s has unknown autonomy level %q", m.ID, m.Autonomy)
	}
	return nil
}
