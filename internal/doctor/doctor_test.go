package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbist/conductor/internal/config"
)

func setupDoctorEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	viper.Set(config.KeyDataDir, dir)
	viper.Set(config.KeySecretsKey, "12345678901234567890123456789012")
	viper.Set(config.KeyAgentsDir, filepath.Join(dir, "agents"))
	t.Cleanup(func() {
		viper.Set(config.KeyDataDir, "")
		viper.Set(config.KeySecretsKey, "")
		viper.Set(config.KeyAgentsDir, config.DefaultAgentsDir)
	})
	return dir
}

func TestRunCleanEnvironment(t *testing.T) {
	dir := setupDoctorEnv(t)
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "lead-scorer.yaml"), []byte(`
id: lead-scorer
name: Lead Scorer
scope: crm
autonomy: autonomous
`), 0o600))

	report := Run(context.Background())

	assert.Zero(t, report.Summary.Fail, "no check should fail: %+v", report.Checks)
	byName := map[string]CheckResult{}
	for _, c := range report.Checks {
		byName[c.Name] = c
	}
	assert.Equal(t, "pass", byName["config"].Status)
	assert.Equal(t, "pass", byName["secrets_key"].Status)
	assert.Equal(t, "pass", byName["ledger"].Status)
	assert.Equal(t, "pass", byName["vault"].Status)
	assert.Equal(t, "pass", byName["agents"].Status)
	assert.Equal(t, "pass", byName["policy"].Status)
}

func TestRunWarnsWithoutAgentsDir(t *testing.T) {
	setupDoctorEnv(t)

	report := Run(context.Background())

	var found bool
	for _, c := range report.Checks {
		if c.Name == "agents_dir" {
			found = true
			assert.Equal(t, "warn", c.Status)
		}
	}
	assert.True(t, found)
	assert.NotEqual(t, "fail", report.Status)
}

func TestRunFailsOnBrokenManifest(t *testing.T) {
	dir := setupDoctorEnv(t)
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "broken.yaml"), []byte("id: broken\n"), 0o600))

	report := Run(context.Background())

	assert.Equal(t, "fail", report.Status)
	var agentCheck CheckResult
	for _, c := range report.Checks {
		if c.Name == "agents" {
			agentCheck = c
		}
	}
	assert.Equal(t, "fail", agentCheck.Status)
}
