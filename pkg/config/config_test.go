package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxRetries, cfg.Workflow.MaxRetries)
	assert.Equal(t, DefaultQualityThreshold, cfg.Workflow.QualityThreshold)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"host": "0.0.0.0", "port": 9000},
		"db_path": "custom.db",
		"workflow": {
			"max_retries": 5,
			"improve_max_cycles": 2,
			"quality_threshold": 90,
			"snapshot_dir": "state",
			"event_log_dir": "logs"
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "custom.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.Workflow.MaxRetries)
	assert.Equal(t, 90.0, cfg.Workflow.QualityThreshold)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("SITEFORGE_TEST_DB", "/tmp/envdb.sqlite")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"db_path": "${SITEFORGE_TEST_DB}"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/envdb.sqlite", cfg.DBPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"negative retries", func(c *Config) { c.Workflow.MaxRetries = -1 }},
		{"zero improve cycles", func(c *Config) { c.Workflow.ImproveMaxCycles = 0 }},
		{"threshold out of range", func(c *Config) { c.Workflow.QualityThreshold = 150 }},
		{"backoff too small", func(c *Config) { c.Retry.BackoffFactor = 1.0 }},
		{"model missing provider", func(c *Config) { c.Models[0].Provider = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModelByName(t *testing.T) {
	cfg := Default()
	model, ok := cfg.ModelByName(ModelClaudeSonnet)
	require.True(t, ok)
	assert.Equal(t, "anthropic", model.Provider)

	_, ok = cfg.ModelByName("nonexistent-model")
	assert.False(t, ok)
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	SetSecret("TEST_API_KEY", "sk-test-12345")
	require.NoError(t, SaveSecretsToFile(dir, "hunter2"))
	require.True(t, SecretsFileExists(dir))

	// Clear in-memory state, then decrypt from disk.
	decryptedSecretsMux.Lock()
	decryptedSecrets = nil
	decryptedSecretsMux.Unlock()

	require.NoError(t, DecryptSecretsFile(dir, "hunter2"))
	value, err := GetSecret("TEST_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-12345", value)
}

func TestSecretsWrongPassword(t *testing.T) {
	dir := t.TempDir()
	SetSecret("ANOTHER_KEY", "value")
	require.NoError(t, SaveSecretsToFile(dir, "correct"))

	err := DecryptSecretsFile(dir, "wrong")
	assert.Error(t, err)
}

func TestGetSecretEnvFallback(t *testing.T) {
	t.Setenv("FALLBACK_ONLY_SECRET", "from-env")

	value, err := GetSecret("FALLBACK_ONLY_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	_, err = GetSecret("DEFINITELY_MISSING_SECRET")
	assert.Error(t, err)
}
