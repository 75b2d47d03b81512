package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("COURTBOOK_TEST_BACKEND", "http://backend:8000/api/v1")
	path := writeConfig(t, `
backend:
  base_url: ${COURTBOOK_TEST_BACKEND}
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://backend:8000/api/v1", cfg.Backend.BaseURL)
	assert.Equal(t, DriverMemory, cfg.Overlay.Driver)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, 10*time.Second, cfg.BackendTimeout())
	assert.Equal(t, time.Duration(0), cfg.ClubCacheTTL())
	assert.Equal(t, 12*time.Hour, cfg.OverlaySessionTTL())
	assert.Equal(t, 30*time.Minute, cfg.ModalTimeout())
	assert.Equal(t, time.Minute, cfg.CleanupInterval())
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout())
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout())
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	assert.False(t, cfg.ConsoleLogs())
	assert.False(t, cfg.BackupEnabled())
}

func TestLoadExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
backend:
  base_url: http://localhost:8000/api/v1
  timeout_seconds: 3
  club_cache_ttl_seconds: 120
overlay:
  driver: sqlite
  sqlite_path: `+filepath.Join(dir, "nested", "overlay.db")+`
  session_ttl_minutes: 90
  backup_path: backups
  backup_interval_hours: 6
booking:
  modal_timeout_minutes: 5
  cleanup_interval_seconds: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.BackendTimeout())
	assert.Equal(t, 2*time.Minute, cfg.ClubCacheTTL())
	assert.Equal(t, 90*time.Minute, cfg.OverlaySessionTTL())
	assert.Equal(t, 5*time.Minute, cfg.ModalTimeout())
	assert.Equal(t, 10*time.Second, cfg.CleanupInterval())
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.True(t, cfg.ConsoleLogs())
	assert.DirExists(t, filepath.Join(dir, "nested"))
	assert.True(t, cfg.BackupEnabled())
	assert.Equal(t, 6*time.Hour, cfg.BackupInterval())
	assert.Equal(t, 14*24*time.Hour, cfg.BackupRetention())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing backend", "overlay:\n  driver: memory\n", "backend.base_url is required"},
		{"unknown driver", "backend:\n  base_url: http://x\noverlay:\n  driver: etcd\n", `unknown overlay.driver "etcd"`},
		{"redis without address", "backend:\n  base_url: http://x\noverlay:\n  driver: redis\n", "requires redis.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "backend:\n  base_url: http://a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan *Config, 1)
	require.NoError(t, Watch(ctx, path, 10*time.Millisecond, func(c *Config) {
		select {
		case updates <- c:
		default:
		}
	}))

	later := time.Now().Add(time.Second)
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  base_url: http://b\nlogging:\n  level: warn\n"), 0o600))
	require.NoError(t, os.Chtimes(path, later, later))

	select {
	case cfg := <-updates:
		assert.Equal(t, "http://b", cfg.Backend.BaseURL)
		assert.Equal(t, zerolog.WarnLevel, cfg.LogLevel())
	case <-time.After(2 * time.Second):
		t.Fatal("config change not observed")
	}
}
