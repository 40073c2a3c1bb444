package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 100, cfg.OutboxBatch)
	assert.Empty(t, cfg.Brokers())
}

func TestExplicitEmptyDriverIsRejected(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nKAFKA_BROKERS= a:9092, ,b:9092\nLOCK_TIMEOUT=500ms\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("KAFKA_BROKERS")
		os.Unsetenv("LOCK_TIMEOUT")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout)
}

func TestPostgresRequiresURL(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverPostgres)
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("STORE_DRIVER", "sqlite")
	_, err = Load()
	require.Error(t, err)
}
