package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Executor.DefaultTimeout)
	assert.Equal(t, "smtp", cfg.Notifications.Email.Provider)
	assert.Equal(t, "dbqa", cfg.NATS.SubjectPrefix)
	assert.False(t, cfg.Alerts.NotifyOnResolve)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: "8181"
  allowedOrigins: "http://localhost:3000, https://dash.example.com"
scheduler:
  tickInterval: 30s
alerts:
  notifyOnResolve: true
  defaultRule:
    enabled: true
    channels: [email, webhook]
    emailRecipients: [qa@example.com]
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("DBQA_DATABASE_URL", "postgres://qa:qa@localhost:5432/beakdash")
	t.Setenv("DBQA_EXECUTOR_MAXROWS", "25")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:3000", "https://dash.example.com"}, cfg.Server.Origins())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.True(t, cfg.Alerts.NotifyOnResolve)
	assert.True(t, cfg.Alerts.DefaultRule.Enabled)
	assert.Equal(t, []string{"email", "webhook"}, cfg.Alerts.DefaultRule.Channels)
	assert.Equal(t, "postgres://qa:qa@localhost:5432/beakdash", cfg.Database.URL)
	assert.Equal(t, 25, cfg.Executor.MaxRows)
	assert.Equal(t, 1000000, cfg.Executor.ScanLimit)
}
