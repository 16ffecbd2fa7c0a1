package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresuchdata/chunkup/internal/config"
	"github.com/rs/zerolog/log"
)

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Backend))
	log.Info().Str("backend", kind).Msg("initialising storage backend")

	switch kind {
	case "", "local":
		b, err := NewLocalBackend(cfg.LocalRoot)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "minio", "s3":
		b, err := NewMinioBackend(ctx, MinioOptions{
			Endpoint:     cfg.Minio.Endpoint,
			AccessKey:    cfg.Minio.AccessKey,
			SecretKey:    cfg.Minio.SecretKey,
			Bucket:       cfg.Minio.Bucket,
			Region:       cfg.Minio.Region,
			UseSSL:       cfg.Minio.UseSSL,
			ChunkPrefix:  cfg.Minio.ChunkPrefix,
			ObjectPrefix: cfg.Minio.ObjectPrefix,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "gcs":
		b, err := NewGCSBackend(ctx, GCSOptions{
			Bucket:          cfg.GCS.Bucket,
			CredentialsFile: cfg.GCS.CredentialsFile,
			ChunkPrefix:     cfg.GCS.ChunkPrefix,
			ObjectPrefix:    cfg.GCS.ObjectPrefix,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

var (
	_ Backend = (*LocalBackend)(nil)
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*MinioBackend)(nil)
	_ Backend = (*GCSBackend)(nil)
)
