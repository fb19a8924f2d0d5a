package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain_spec: "my-chain"
chain_db_path: /data/chain
database_url: "postgres://localhost/archivist"
scheduler_max_in_flight: 32
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-chain", cfg.ChainSpec)
	assert.Equal(t, "/data/chain", cfg.ChainDBPath)
	assert.Equal(t, 32, cfg.SchedulerMaxInFlight)
	assert.Equal(t, 8, cfg.DatabasePoolSize) // untouched default
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain_db_path: /data/chain
database_url: "postgres://localhost/archivist"
`), 0o600))

	t.Setenv("ARCHIVIST_CHAIN_DB_PATH", "/data/override")
	t.Setenv("ARCHIVIST_SCHEDULER_MAX_IN_FLIGHT", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/override", cfg.ChainDBPath)
	assert.Equal(t, 4, cfg.SchedulerMaxInFlight)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`chain_spec: "my-chain"`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8, cfg.DatabasePoolSize)
	assert.Equal(t, 16, cfg.SchedulerMaxInFlight)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
}
