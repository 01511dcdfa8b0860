// Package storage holds the envelope payloads behind opaque refs. The
// relay does not interpret payload bytes; backends must preserve them
// exactly.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrStorage marks retryable backend failures.
	ErrStorage = errors.New("storage: backend failure")

	// ErrNotFound marks refs the backend has no payload for.
	ErrNotFound = errors.New("storage: ref not found")
)

// Backend is the adapter to the blob substrate (local disk, S3, or the
// chat-platform upload API bound outside this module).
type Backend interface {
	// Put stores payload and returns a stable ref for it.
	Put(ctx context.Context, payload []byte) (string, error)

	// Get returns the exact payload bytes stored under ref.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Delete discards the payload under ref. Deleting an unknown ref is
	// not an error.
	Delete(ctx context.Context, ref string) error
}

// Config selects and parameterizes a backend.
type Config struct {
	Kind      string    `json:"kind" mapstructure:"kind"` // "local" or "s3"
	DataDir   string    `json:"data_dir" mapstructure:"data_dir"`
	CacheSize int       `json:"cache_size" mapstructure:"cache_size"`
	S3        *S3Config `json:"s3,omitempty" mapstructure:"s3"`
}

type S3Config struct {
	BucketName string `json:"bucket_name" mapstructure:"bucket_name"`
	Region     string `json:"region" mapstructure:"region"`
	Endpoint   string `json:"endpoint" mapstructure:"endpoint"`
	AccessKey  string `json:"access_key" mapstructure:"access_key"`
	SecretKey  string `json:"secret_key" mapstructure:"secret_key"`
}

const defaultCacheSize = 256

// New builds the configured backend, wrapped in an LRU envelope cache.
func New(cfg *Config) (Backend, error) {
	var backend Backend
	var err error

	switch cfg.Kind {
	case "", "local":
		backend, err = NewLocalBackend(cfg.DataDir)
	case "s3":
		backend, err = NewS3Backend(cfg.S3)
	default:
		return nil, errors.New("storage: unknown backend kind " + cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	return NewCachedBackend(backend, size)
}
