// Package blobstore persists encoded tile blobs. Backends store bytes keyed by
// tile position; Gateway layers a prioritized asynchronous writer on top.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"chunkflow.ai/internal/sim/tilepos"
)

var (
	ErrNotFound = errors.New("blobstore: not found")
	ErrClosed   = errors.New("blobstore: closed")
)

type Backend interface {
	Read(ctx context.Context, pos tilepos.Pos) ([]byte, error)
	Write(ctx context.Context, pos tilepos.Pos, data []byte) error
	Delete(ctx context.Context, pos tilepos.Pos) error
	List(ctx context.Context) ([]tilepos.Pos, error)
	Close() error
}

type Config struct {
	Backend          string `yaml:"backend" toml:"backend" json:"backend"`
	Dir              string `yaml:"dir" toml:"dir" json:"dir"`
	SQLitePath       string `yaml:"sqlite_path" toml:"sqlite_path" json:"sqlite_path"`
	PostgresDSN      string `yaml:"postgres_dsn" toml:"postgres_dsn" json:"postgres_dsn"`
	PostgresMaxConns int    `yaml:"postgres_max_conns" toml:"postgres_max_conns" json:"postgres_max_conns"`
	CacheMaxBytes    int64  `yaml:"cache_max_bytes" toml:"cache_max_bytes" json:"cache_max_bytes"`
	ObjectEndpoint   string `yaml:"object_endpoint" toml:"object_endpoint" json:"object_endpoint"`
	ObjectBucket     string `yaml:"object_bucket" toml:"object_bucket" json:"object_bucket"`
	ObjectPrefix     string `yaml:"object_prefix" toml:"object_prefix" json:"object_prefix"`
}

// Object store credentials are read from the environment, never from files.
const (
	EnvObjectAccessKeyID     = "CHUNKFLOW_S3_ACCESS_KEY_ID"
	EnvObjectSecretAccessKey = "CHUNKFLOW_S3_SECRET_ACCESS_KEY"
)

// Open builds the backend named by cfg.Backend, wrapped in a read cache when
// CacheMaxBytes is positive.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "", "file":
		b, err = OpenFile(cfg.Dir)
	case "sqlite":
		b, err = OpenSQLite(cfg.SQLitePath)
	case "postgres":
		b, err = OpenPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	case "s3":
		b, err = OpenObjectStore(cfg.ObjectEndpoint, cfg.ObjectBucket, cfg.ObjectPrefix,
			os.Getenv(EnvObjectAccessKeyID), os.Getenv(EnvObjectSecretAccessKey))
	case "memory":
		b = NewMemory()
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Info("tile storage opened", zap.String("backend", cfg.Backend), zap.Int64("cache_max_bytes", cfg.CacheMaxBytes))
	if cfg.CacheMaxBytes > 0 {
		return NewCached(b, cfg.CacheMaxBytes)
	}
	return b, nil
}
