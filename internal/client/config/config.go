package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".mirrorbox", "config.json")
	DefaultDataDir    = filepath.Join(home, "MirrorBox")
)

const (
	DefaultFullSyncInterval = 30 * time.Second
	DefaultDebounce         = 500 * time.Millisecond
	DefaultMaxRetries       = 5
)

// Config is the immutable client configuration, constructed once at
// startup and passed explicitly to the engine.
type Config struct {
	DataDir          string        `json:"data_dir"`
	ServerURL        string        `json:"server_url"`
	GroupID          string        `json:"group_id"`
	ClientID         string        `json:"client_id"`
	FullSyncInterval time.Duration `json:"full_sync_interval,omitempty"`
	Debounce         time.Duration `json:"debounce,omitempty"`
	MaxRetries       int           `json:"max_retries,omitempty"`
	Path             string        `json:"-"`
}

// Validate checks the config and fills derived defaults. Invalid
// configuration is fatal at startup.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data dir required")
	}
	resolved, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: data dir: %w", err)
	}
	c.DataDir = resolved

	if c.ServerURL == "" {
		return errors.New("config: server url required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: invalid server url %q", c.ServerURL)
	}

	if c.GroupID == "" {
		return errors.New("config: group id required")
	}

	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.FullSyncInterval <= 0 {
		c.FullSyncInterval = DefaultFullSyncInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}
