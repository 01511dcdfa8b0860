package server

import (
	"errors"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/server/storage"
)

const DefaultAddr = "0.0.0.0:8080"

type HttpConfig struct {
	Addr     string
	CertFile string
	KeyFile  string
}

type Config struct {
	Http           *HttpConfig
	Storage        *storage.Config
	DBPath         string
	TombstoneGrace time.Duration
}

func (c *Config) Validate() error {
	if c.Http == nil || c.Http.Addr == "" {
		return errors.New("server: bind address required")
	}
	if c.Storage == nil {
		return errors.New("server: storage config required")
	}
	if c.DBPath == "" {
		return errors.New("server: db path required")
	}
	return nil
}
