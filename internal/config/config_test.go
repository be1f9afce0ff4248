package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseDSN(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_DSN", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_YAMLFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://yaml-host/expedienterag
vector:
  backend: qdrant
  dimensions: 768
audio:
  chunking_threshold_mb: 25
retrieval:
  similarity_threshold_general: 0.45
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("VECTOR_BACKEND", "")
	t.Setenv("VECTOR_DIMENSIONS", "1024") // env wins over the file

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://yaml-host/expedienterag", cfg.Database.DSN)
	assert.Equal(t, "qdrant", cfg.Vector.Backend)
	assert.Equal(t, 1024, cfg.Vector.Dimensions)
	assert.Equal(t, 25.0, cfg.Audio.ChunkingThresholdMB)
	assert.Equal(t, 0.45, cfg.Retrieval.SimilarityThresholdGeneral)

	// Defaults still fill whatever neither layer set.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0.2, cfg.Retrieval.SimilarityThresholdExpediente)
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("DATABASE_DSN", "postgres://localhost/expedienterag")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_DSN", "postgres://localhost/expedienterag")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("CLICKHOUSE_DSN", "")
	t.Setenv("CLICKHOUSE_DATABASE", "")
	t.Setenv("CLICKHOUSE_EVENTS_TABLE", "")
	t.Setenv("CLICKHOUSE_TIMEOUT_SECONDS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres", cfg.Vector.Backend)
	assert.Equal(t, 1536, cfg.Vector.Dimensions)
	assert.Equal(t, "info", cfg.LogLevel)

	// ClickHouse is an optional analytics mirror: a blank DSN leaves
	// it off, but the table/timeout defaults still apply so a later-set DSN
	// works without also having to set every other field.
	assert.Equal(t, "", cfg.ClickHouse.DSN)
	assert.Equal(t, "expedienterag", cfg.ClickHouse.Database)
	assert.Equal(t, "audit_events", cfg.ClickHouse.EventsTable)
	assert.Equal(t, 5, cfg.ClickHouse.TimeoutSeconds)
}

func TestLoad_ClickHouseDSNPassesThrough(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_DSN", "postgres://localhost/expedienterag")
	t.Setenv("CLICKHOUSE_DSN", "clickhouse://localhost:9000/expedienterag")
	t.Setenv("CLICKHOUSE_EVENTS_TABLE", "custom_events")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "clickhouse://localhost:9000/expedienterag", cfg.ClickHouse.DSN)
	assert.Equal(t, "custom_events", cfg.ClickHouse.EventsTable)
}
