package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.View.RefreshInterval)
	assert.Equal(t, 1_000_000, cfg.Pipeline.MaxPayloadBytes)
	assert.Equal(t, 24*time.Hour, cfg.Access.BudgetWindow)
	assert.Equal(t, filepath.Join(cfg.DataDir, "view.db"), cfg.View.Path)
	assert.True(t, cfg.ShouldRunIngest())
	assert.True(t, cfg.ShouldRunQuery())
	assert.True(t, cfg.ShouldRunRefresh())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "compact" }},
		{"postgres without url", func(c *Config) { c.Ingest.Backend = BackendPostgres }},
		{"unknown backend", func(c *Config) { c.Ingest.Backend = "kafka" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"zero payload ceiling", func(c *Config) { c.Pipeline.MaxPayloadBytes = 0 }},
		{"excerpt above ceiling", func(c *Config) { c.Pipeline.ExcerptBytes = 2_000_000 }},
		{"zero refresh interval", func(c *Config) { c.View.RefreshInterval = 0 }},
		{"redis without addr", func(c *Config) { c.Access.Redis.Enabled = true }},
		{"split mode on wal", func(c *Config) { c.Mode = ModeQuery }},
		{"request source outside mcp namespace", func(c *Config) { c.Access.RequestSource = "gateway" }},
		{"usage action in system namespace", func(c *Config) {
			c.Access.UsageActions = append(c.Access.UsageActions, "system.usage.recorded")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RequestSourceOwnsItsActions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	cfg.Access.RequestSource = "gateway"
	cfg.Access.RequestAction = "gateway.request.processed"
	cfg.Access.UsageActions = []string{"gateway.usage.recorded"}
	assert.NoError(t, cfg.Validate())

	cfg.Pipeline.NamespaceOwners["gateway"] = "gateway"
	assert.NoError(t, cfg.Validate())

	cfg.Pipeline.NamespaceOwners["gateway"] = "edge"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owned by \"edge\"")
}

func TestValidate_SplitModeOnPostgres(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	cfg.Mode = ModeRefresh
	cfg.Ingest.Backend = BackendPostgres
	cfg.Ingest.PostgresURL = "postgres://factlog@localhost/factlog"
	assert.NoError(t, cfg.Validate())
}

func TestModes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeRefresh
	assert.False(t, cfg.ShouldRunIngest())
	assert.False(t, cfg.ShouldRunQuery())
	assert.True(t, cfg.ShouldRunRefresh())

	cfg.Mode = ModeQuery
	assert.True(t, cfg.ShouldRunQuery())
	assert.False(t, cfg.ShouldRunRefresh())
}

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "factlog.yaml")
	content := `
mode: refresh
data_dir: /var/lib/factlog
view:
  refresh_interval: 15s
pipeline:
  max_payload_bytes: 2048
  excerpt_bytes: 128
access:
  pepper: s3cret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ModeRefresh, cfg.Mode)
	assert.Equal(t, "/var/lib/factlog", cfg.DataDir)
	assert.Equal(t, 15*time.Second, cfg.View.RefreshInterval)
	assert.Equal(t, 2048, cfg.Pipeline.MaxPayloadBytes)
	assert.Equal(t, "s3cret", cfg.Access.Pepper)
	// untouched sections keep their defaults
	assert.Equal(t, 24*time.Hour, cfg.Access.BudgetWindow)
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factlog.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = 'all'"), 0644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FACTLOG_MODE", "ingest")
	t.Setenv("FACTLOG_VIEW_REFRESH_INTERVAL", "5s")
	t.Setenv("FACTLOG_ACCESS_PEPPER", "pepper-from-env")
	t.Setenv("FACTLOG_PIPELINE_MAX_PAYLOAD_BYTES", "4096")
	t.Setenv("FACTLOG_GRPC_ENABLED", "false")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, ModeIngest, cfg.Mode)
	assert.Equal(t, 5*time.Second, cfg.View.RefreshInterval)
	assert.Equal(t, "pepper-from-env", cfg.Access.Pepper)
	assert.Equal(t, 4096, cfg.Pipeline.MaxPayloadBytes)
	assert.False(t, cfg.GRPC.Enabled)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.DataDir, cfg.Ingest.WALDir, cfg.Storage.Path} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
