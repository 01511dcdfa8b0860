package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DataDir:   t.TempDir(),
		ServerURL: "http://localhost:8080",
		GroupID:   "family-photos",
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.NotEmpty(t, cfg.ClientID, "client id is generated when absent")
	assert.Equal(t, DefaultFullSyncInterval, cfg.FullSyncInterval)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
}

func TestValidateKeepsExplicitValues(t *testing.T) {
	cfg := validConfig(t)
	cfg.ClientID = "stable-id"
	cfg.FullSyncInterval = time.Minute
	cfg.MaxRetries = 9

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "stable-id", cfg.ClientID)
	assert.Equal(t, time.Minute, cfg.FullSyncInterval)
	assert.Equal(t, 9, cfg.MaxRetries)
}

func TestValidateFatalErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"missing server url", func(c *Config) { c.ServerURL = "" }},
		{"relative server url", func(c *Config) { c.ServerURL = "localhost:8080" }},
		{"garbage server url", func(c *Config) { c.ServerURL = "://nope" }},
		{"missing group", func(c *Config) { c.GroupID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := validConfig(t)
	cfg.ClientID = "client-42"
	require.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "deep", "config.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.ServerURL, loaded.ServerURL)
	assert.Equal(t, cfg.GroupID, loaded.GroupID)
	assert.Equal(t, "client-42", loaded.ClientID)
	assert.Equal(t, path, loaded.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
