package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Webhook.MaxRetries)
	assert.Equal(t, 30, cfg.Webhook.TimeoutSeconds)
	assert.Equal(t, 10, cfg.Webhook.BatchSize)
	assert.Equal(t, time.Minute, cfg.Webhook.PollInterval())
	assert.Equal(t, 30, cfg.Webhook.RetentionDays)
	assert.Equal(t, "O9Cart-Webhook/1.0", cfg.Webhook.UserAgent)
	assert.Equal(t, "X-O9Cart-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, 14, cfg.Sync.RetentionDays)
	assert.Equal(t, time.Hour, cfg.Cache.TTL())
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("webhook:\n  max_retries: 5\n  batch_size: 20\ndatabase:\n  driver: sqlite\n  name: test\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hub.yaml"), yaml, 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("WEBHOOK_TIMEOUT_SECONDS", "12")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
	assert.Equal(t, 20, cfg.Webhook.BatchSize)
	assert.Equal(t, 12, cfg.Webhook.TimeoutSeconds)
	assert.Equal(t, "test", cfg.Database.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"negative retries", func(c *Config) { c.Webhook.MaxRetries = -1 }},
		{"zero timeout", func(c *Config) { c.Webhook.TimeoutSeconds = 0 }},
		{"zero batch", func(c *Config) { c.Webhook.BatchSize = 0 }},
		{"zero poll", func(c *Config) { c.Webhook.PollIntervalSeconds = 0 }},
		{"zero sync timeout", func(c *Config) { c.Sync.TimeoutSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Path: "/tmp/data", Name: "hub"}
	assert.Equal(t, "/tmp/data/hub.db", sqlite.DSN())
	assert.True(t, sqlite.IsSQLite())

	pg := DatabaseConfig{Driver: "postgres", User: "u", Password: "p", Host: "db", Port: 5432, Name: "hub"}
	assert.Equal(t, "postgres://u:p@db:5432/hub?sslmode=disable", pg.DSN())
}
