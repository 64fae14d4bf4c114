package syncconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  host: db.internal
analytics:
  path: /data/analytics.duckdb
state:
  dir: /data/state
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1800, cfg.Lock.StaleSeconds)
	assert.Equal(t, 10000, cfg.Sync.BatchSize)
	assert.Equal(t, 3600, cfg.Sync.MaxDurationSeconds)
	assert.Equal(t, 100000, cfg.Sync.MaxIterations)
	assert.Equal(t, 3, cfg.Sync.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.Sync.Retry.BaseMs)
	assert.Equal(t, 30000, cfg.Sync.Retry.CapMs)
	assert.Equal(t, 0.2, cfg.Sync.Retry.Jitter)
	assert.Equal(t, 10, cfg.Sync.CompactEveryNRuns)
	assert.Equal(t, 1000, cfg.Progress.ChannelCapacity)
}

func TestLoad_ExplicitValuesOverrideDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  host: db.internal
analytics:
  path: /data/analytics.duckdb
state:
  dir: /data/state
sync:
  batchSize: 500
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Sync.BatchSize)
}

func TestLoad_SubstitutesEnvVars(t *testing.T) {
	t.Setenv("SYNC_DB_PASSWORD", "secret-value")
	path := writeConfig(t, `
source:
  host: db.internal
  password: ${SYNC_DB_PASSWORD}
analytics:
  path: /data/analytics.duckdb
state:
  dir: /data/state
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", cfg.Source.Password)
}

func TestLoad_LeavesUnsetVarReferenceLiteral(t *testing.T) {
	path := writeConfig(t, `
source:
  host: db.internal
  password: ${SYNC_DEFINITELY_UNSET_VAR}
analytics:
  path: /data/analytics.duckdb
state:
  dir: /data/state
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${SYNC_DEFINITELY_UNSET_VAR}", cfg.Source.Password)
}

func TestLoad_MissingSourceHostIsConfigInvalid(t *testing.T) {
	path := writeConfig(t, `
analytics:
  path: /data/analytics.duckdb
state:
  dir: /data/state
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ConfigInvalid))
}

func TestLoad_MissingFileIsConfigInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ConfigInvalid))
}

func TestRedact_MasksPassword(t *testing.T) {
	c := SourceConfig{Host: "db.internal", Port: 5432, Service: "analytics", User: "sync", Password: "hunter2"}
	assert.NotContains(t, c.Redact(), "hunter2")
	assert.Contains(t, c.Redact(), "host=db.internal")
}
