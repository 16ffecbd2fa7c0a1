package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	cfg := FromViper(viper.New())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "./data/storage", cfg.Storage.LocalRoot)
	assert.Equal(t, "uploads", cfg.Storage.Minio.Bucket)
	assert.Equal(t, "chunks", cfg.Storage.GCS.ChunkPrefix)

	assert.Equal(t, int64(16<<20), cfg.Upload.MaxChunkBytes)
	assert.Equal(t, 30*time.Second, cfg.Upload.FinalizeWait)
	assert.Equal(t, 10*time.Minute, cfg.Upload.FinalizeTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Upload.CompletedRetention)
	assert.Equal(t, "@every 1m", cfg.Upload.ReaperSchedule)
	assert.True(t, cfg.Upload.RestoreOnStart)

	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, int64(10), cfg.Database.MaxConcurrentTx)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 1000, cfg.Cache.ListingTTLMillis)
}

func TestFromViperEnvironment(t *testing.T) {
	t.Setenv("SERVER_MODE", "release")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "minio")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("UPLOAD_MAX_CHUNK_BYTES", "1024")
	t.Setenv("UPLOAD_FINALIZE_WAIT", "0s")
	t.Setenv("UPLOAD_RESTORE_ON_START", "false")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("CACHE_ENABLED", "true")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")

	cfg := FromViper(viper.New())

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel, "release mode logs at info")
	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.Minio.UseSSL)
	assert.Equal(t, int64(1024), cfg.Upload.MaxChunkBytes)
	assert.Zero(t, cfg.Upload.FinalizeWait)
	assert.False(t, cfg.Upload.RestoreOnStart)
	assert.True(t, cfg.Database.Enabled)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "redis://cache:6379/2", cfg.Cache.RedisURL)
}

func TestExplicitLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	cfg := FromViper(viper.New())
	assert.Equal(t, "warn", cfg.Server.LogLevel)
}
