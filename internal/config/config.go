package config

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Upload   UploadConfig
	Database DatabaseConfig
	Cache    CacheConfig
}

type ServerConfig struct {
	Port           string
	Mode           string
	LogLevel       string
	ReadTimeout    int
	WriteTimeout   int
	AllowedOrigins []string
}

type StorageConfig struct {
	// Backend is one of "local", "minio", "gcs" or "memory".
	Backend   string
	LocalRoot string
	Minio     MinioConfig
	GCS       GCSConfig
}

type MinioConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	UseSSL       bool
	ChunkPrefix  string
	ObjectPrefix string
}

type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	ChunkPrefix     string
	ObjectPrefix    string
}

type UploadConfig struct {
	MaxChunkBytes      int64
	FinalizeWait       time.Duration
	FinalizeTimeout    time.Duration
	CompletedRetention time.Duration
	ReaperSchedule     string
	RestoreOnStart     bool
}

type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConcurrentTx int64
}

type CacheConfig struct {
	Enabled          bool
	RedisURL         string
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	ListingTTLMillis int
}

var (
	once     sync.Once
	instance *Config
)

// Load reads .env and the environment once and returns the shared config.
func Load() *Config {
	once.Do(func() {
		// Load .env file if it exists
		_ = godotenv.Load()

		instance = FromViper(viper.GetViper())

		if instance.Storage.Backend == "local" {
			ensureDir(instance.Storage.LocalRoot)
		}
	})

	return instance
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_MODE", "debug")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("SERVER_READ_TIMEOUT", 60)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 60)
	v.SetDefault("SERVER_ALLOWED_ORIGINS", []string{"*"})

	v.SetDefault("STORAGE_BACKEND", "local")
	v.SetDefault("STORAGE_LOCAL_ROOT", "./data/storage")
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_BUCKET", "uploads")
	v.SetDefault("MINIO_REGION", "us-east-1")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("MINIO_CHUNK_PREFIX", "chunks")
	v.SetDefault("MINIO_OBJECT_PREFIX", "objects")
	v.SetDefault("GCS_BUCKET", "")
	v.SetDefault("GCS_CREDENTIALS_FILE", "")
	v.SetDefault("GCS_CHUNK_PREFIX", "chunks")
	v.SetDefault("GCS_OBJECT_PREFIX", "objects")

	v.SetDefault("UPLOAD_MAX_CHUNK_BYTES", 16*1024*1024)
	v.SetDefault("UPLOAD_FINALIZE_WAIT", "30s")
	v.SetDefault("UPLOAD_FINALIZE_TIMEOUT", "10m")
	v.SetDefault("UPLOAD_COMPLETED_RETENTION", "10m")
	v.SetDefault("UPLOAD_REAPER_SCHEDULE", "@every 1m")
	v.SetDefault("UPLOAD_RESTORE_ON_START", true)

	v.SetDefault("DB_ENABLED", false)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "chunkup")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONCURRENT_TX", 10)

	v.SetDefault("CACHE_ENABLED", false)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_HOST", "127.0.0.1")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_LISTING_TTL_MS", 1000)
}

// FromViper builds a Config from v after applying defaults and enabling
// environment lookups.
func FromViper(v *viper.Viper) *Config {
	SetDefaults(v)

	// Read from environment variables
	v.AutomaticEnv()

	logLevel := v.GetString("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
		if v.GetString("SERVER_MODE") == "debug" {
			logLevel = "debug"
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			Mode:           v.GetString("SERVER_MODE"),
			LogLevel:       logLevel,
			ReadTimeout:    v.GetInt("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetInt("SERVER_WRITE_TIMEOUT"),
			AllowedOrigins: v.GetStringSlice("SERVER_ALLOWED_ORIGINS"),
		},
		Storage: StorageConfig{
			Backend:   v.GetString("STORAGE_BACKEND"),
			LocalRoot: v.GetString("STORAGE_LOCAL_ROOT"),
			Minio: MinioConfig{
				Endpoint:     v.GetString("MINIO_ENDPOINT"),
				AccessKey:    v.GetString("MINIO_ACCESS_KEY"),
				SecretKey:    v.GetString("MINIO_SECRET_KEY"),
				Bucket:       v.GetString("MINIO_BUCKET"),
				Region:       v.GetString("MINIO_REGION"),
				UseSSL:       v.GetBool("MINIO_USE_SSL"),
				ChunkPrefix:  v.GetString("MINIO_CHUNK_PREFIX"),
				ObjectPrefix: v.GetString("MINIO_OBJECT_PREFIX"),
			},
			GCS: GCSConfig{
				Bucket:          v.GetString("GCS_BUCKET"),
				CredentialsFile: v.GetString("GCS_CREDENTIALS_FILE"),
				ChunkPrefix:     v.GetString("GCS_CHUNK_PREFIX"),
				ObjectPrefix:    v.GetString("GCS_OBJECT_PREFIX"),
			},
		},
		Upload: UploadConfig{
			MaxChunkBytes:      v.GetInt64("UPLOAD_MAX_CHUNK_BYTES"),
			FinalizeWait:       v.GetDuration("UPLOAD_FINALIZE_WAIT"),
			FinalizeTimeout:    v.GetDuration("UPLOAD_FINALIZE_TIMEOUT"),
			CompletedRetention: v.GetDuration("UPLOAD_COMPLETED_RETENTION"),
			ReaperSchedule:     v.GetString("UPLOAD_REAPER_SCHEDULE"),
			RestoreOnStart:     v.GetBool("UPLOAD_RESTORE_ON_START"),
		},
		Database: DatabaseConfig{
			Enabled:         v.GetBool("DB_ENABLED"),
			Host:            v.GetString("DB_HOST"),
			Port:            v.GetString("DB_PORT"),
			User:            v.GetString("DB_USER"),
			Password:        v.GetString("DB_PASSWORD"),
			DBName:          v.GetString("DB_NAME"),
			SSLMode:         v.GetString("DB_SSLMODE"),
			MaxConcurrentTx: v.GetInt64("DB_MAX_CONCURRENT_TX"),
		},
		Cache: CacheConfig{
			Enabled:          v.GetBool("CACHE_ENABLED"),
			RedisURL:         v.GetString("REDIS_URL"),
			RedisHost:        v.GetString("REDIS_HOST"),
			RedisPort:        v.GetString("REDIS_PORT"),
			RedisPassword:    v.GetString("REDIS_PASSWORD"),
			RedisDB:          v.GetInt("REDIS_DB"),
			ListingTTLMillis: v.GetInt("CACHE_LISTING_TTL_MS"),
		},
	}
}

func ensureDir(dir string) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}
}
