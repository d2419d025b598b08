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
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORAGE_DRIVER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "budget-transfers", cfg.Service.Name)
	assert.Equal(t, StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: transfers-test
server:
  port: 7000
  grpc_port: 7001
  shutdown_timeout: 5s
storage:
  driver: memory
redis:
  addr: localhost:6379
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "7100")
	t.Setenv("STORAGE_DRIVER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "transfers-test", cfg.Service.Name)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, 7001, cfg.Server.GRPCPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("GRPC_PORT", "not-a-port")

	_, err := Load()
	assert.ErrorContains(t, err, "GRPC_PORT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "sqlite"
	assert.ErrorContains(t, cfg.Validate(), "unknown storage driver")

	cfg = Default()
	cfg.Server.GRPCPort = cfg.Server.Port
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Driver = StorageDriverMemory
	cfg.Database.Host = ""
	assert.NoError(t, cfg.Validate())
}
