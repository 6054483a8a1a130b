package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Storage drivers.
const (
	StorageDriverLocal = "local"
	StorageDriverGCS   = "gcs"
)

// OCR engines.
const (
	OCREngineMistral = "mistral"
	OCREngineVertex  = "vertex"
)

type Config struct {
	Env  string
	Port int

	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Log      LogConfig
	CORS     CORSConfig
	Storage  StorageConfig
	OCR      OCRConfig
	Queue    QueueConfig
	Audit    AuditConfig
	Cache    CacheConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN renders the lib/pq connection string. Shared by the sqlx pool and the
// LISTEN/NOTIFY listener, which needs its own connection.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type LogConfig struct {
	Level  string
	Format string
}

// CORSConfig lists the origins allowed to hit presigned file URLs from a
// browser. Empty means allow all.
type CORSConfig struct {
	AllowedOrigins []string
}

// StorageConfig controls blob placement, validation limits and presigning.
type StorageConfig struct {
	Driver          string
	Bucket          string
	LocalDir        string
	PublicBaseURL   string
	PresignSecret   string
	PresignTTLMax   time.Duration
	MaxFileSize     int64
	PDFMaxSize      int64
	ImageMaxSize    int64
	TiffMaxSize     int64
	AllowedMIMEs    []string
	OwnerQuotaBytes int64
}

// OCRConfig selects and tunes the OCR engine.
type OCRConfig struct {
	Engine           string
	Timeout          time.Duration
	SupportedFormats []string
	ResultCacheTTL   time.Duration

	MistralBaseURL string
	MistralModel   string
	MistralAPIKey  string

	VertexProject  string
	VertexLocation string
	VertexModel    string
}

// QueueConfig tunes the OCR worker pool and lease machinery.
type QueueConfig struct {
	WorkerCount       int
	LeaseTTL          time.Duration
	LeaseGrace        time.Duration
	EmptyPollInterval time.Duration
	SweeperInterval   time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// AuditConfig bounds the async access-log pipeline.
type AuditConfig struct {
	QueueSize     int
	RetryAttempts int
	RetryInterval time.Duration
}

// CacheConfig governs read-through caching of document metadata.
type CacheConfig struct {
	Enabled     bool
	DocumentTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Auth = AuthConfig{
		JWTSecret: v.GetString("JWT_SECRET"),
		Issuer:    v.GetString("JWT_ISSUER"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Storage = StorageConfig{
		Driver:          v.GetString("STORAGE_DRIVER"),
		Bucket:          v.GetString("STORAGE_BUCKET"),
		LocalDir:        v.GetString("STORAGE_LOCAL_DIR"),
		PublicBaseURL:   v.GetString("STORAGE_PUBLIC_BASE_URL"),
		PresignSecret:   v.GetString("STORAGE_PRESIGN_SECRET"),
		PresignTTLMax:   parseDuration(v.GetString("STORAGE_PRESIGN_TTL_MAX"), time.Hour),
		MaxFileSize:     v.GetInt64("STORAGE_MAX_FILE_SIZE"),
		PDFMaxSize:      v.GetInt64("STORAGE_PDF_MAX_SIZE"),
		ImageMaxSize:    v.GetInt64("STORAGE_IMAGE_MAX_SIZE"),
		TiffMaxSize:     v.GetInt64("STORAGE_TIFF_MAX_SIZE"),
		AllowedMIMEs:    splitAndTrim(v.GetString("STORAGE_ALLOWED_MIME_TYPES")),
		OwnerQuotaBytes: v.GetInt64("STORAGE_OWNER_QUOTA_BYTES"),
	}

	cfg.OCR = OCRConfig{
		Engine:           v.GetString("OCR_ENGINE"),
		Timeout:          parseDuration(v.GetString("OCR_TIMEOUT"), 5*time.Minute),
		SupportedFormats: splitAndTrim(v.GetString("OCR_SUPPORTED_FORMATS")),
		ResultCacheTTL:   parseDuration(v.GetString("OCR_RESULT_CACHE_TTL"), 24*time.Hour),
		MistralBaseURL:   v.GetString("MISTRAL_BASE_URL"),
		MistralModel:     v.GetString("MISTRAL_OCR_MODEL"),
		MistralAPIKey:    v.GetString("MISTRAL_API_KEY"),
		VertexProject:    v.GetString("VERTEX_PROJECT_ID"),
		VertexLocation:   v.GetString("VERTEX_LOCATION"),
		VertexModel:      v.GetString("VERTEX_MODEL"),
	}

	cfg.Queue = QueueConfig{
		WorkerCount:       v.GetInt("QUEUE_WORKER_COUNT"),
		LeaseTTL:          parseDuration(v.GetString("QUEUE_LEASE_TTL"), 10*time.Minute),
		LeaseGrace:        parseDuration(v.GetString("QUEUE_LEASE_GRACE"), 30*time.Second),
		EmptyPollInterval: parseDuration(v.GetString("QUEUE_EMPTY_POLL_INTERVAL"), time.Second),
		SweeperInterval:   parseDuration(v.GetString("QUEUE_SWEEPER_INTERVAL"), 0),
		MaxRetries:        v.GetInt("QUEUE_MAX_RETRIES"),
		BackoffBase:       parseDuration(v.GetString("QUEUE_BACKOFF_BASE"), 30*time.Second),
		BackoffMax:        parseDuration(v.GetString("QUEUE_BACKOFF_MAX"), 30*time.Minute),
	}
	if cfg.Queue.SweeperInterval <= 0 {
		cfg.Queue.SweeperInterval = cfg.Queue.LeaseTTL / 4
	}

	cfg.Audit = AuditConfig{
		QueueSize:     v.GetInt("AUDIT_QUEUE_SIZE"),
		RetryAttempts: v.GetInt("AUDIT_RETRY_ATTEMPTS"),
		RetryInterval: parseDuration(v.GetString("AUDIT_RETRY_INTERVAL"), 5*time.Second),
	}

	cfg.Cache = CacheConfig{
		Enabled:     v.GetBool("ENABLE_CACHE"),
		DocumentTTL: parseDuration(v.GetString("CACHE_DOCUMENT_TTL"), time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Env != EnvProduction {
		return nil
	}

	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "dev_secret" {
		return errors.New("config: JWT_SECRET must be set in production")
	}
	if c.Storage.PresignSecret == "" || c.Storage.PresignSecret == "dev_presign_secret" {
		return errors.New("config: STORAGE_PRESIGN_SECRET must be set in production")
	}
	if c.OCR.Engine == OCREngineMistral && c.OCR.MistralAPIKey == "" {
		return errors.New("config: MISTRAL_API_KEY must be set when OCR_ENGINE=mistral")
	}
	if c.OCR.Engine == OCREngineVertex && c.OCR.VertexProject == "" {
		return errors.New("config: VERTEX_PROJECT_ID must be set when OCR_ENGINE=vertex")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "docvault")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "docvault")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("STORAGE_DRIVER", StorageDriverLocal)
	v.SetDefault("STORAGE_BUCKET", "docvault-documents")
	v.SetDefault("STORAGE_LOCAL_DIR", "./data/blobs")
	v.SetDefault("STORAGE_PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("STORAGE_PRESIGN_SECRET", "dev_presign_secret")
	v.SetDefault("STORAGE_PRESIGN_TTL_MAX", "1h")
	v.SetDefault("STORAGE_MAX_FILE_SIZE", 50*1024*1024)
	v.SetDefault("STORAGE_PDF_MAX_SIZE", 50*1024*1024)
	v.SetDefault("STORAGE_IMAGE_MAX_SIZE", 10*1024*1024)
	v.SetDefault("STORAGE_TIFF_MAX_SIZE", 20*1024*1024)
	v.SetDefault("STORAGE_ALLOWED_MIME_TYPES", "application/pdf,image/jpeg,image/png,image/tiff")
	v.SetDefault("STORAGE_OWNER_QUOTA_BYTES", int64(1024*1024*1024))

	v.SetDefault("OCR_ENGINE", OCREngineMistral)
	v.SetDefault("OCR_TIMEOUT", "5m")
	v.SetDefault("OCR_SUPPORTED_FORMATS", "pdf,jpeg,png,tiff")
	v.SetDefault("OCR_RESULT_CACHE_TTL", "24h")
	v.SetDefault("MISTRAL_BASE_URL", "https://api.mistral.ai/v1")
	v.SetDefault("MISTRAL_OCR_MODEL", "mistral-ocr-latest")
	v.SetDefault("MISTRAL_API_KEY", "")
	v.SetDefault("VERTEX_PROJECT_ID", "")
	v.SetDefault("VERTEX_LOCATION", "us-central1")
	v.SetDefault("VERTEX_MODEL", "gemini-1.5-flash-002")

	v.SetDefault("QUEUE_WORKER_COUNT", 5)
	v.SetDefault("QUEUE_LEASE_TTL", "10m")
	v.SetDefault("QUEUE_LEASE_GRACE", "30s")
	v.SetDefault("QUEUE_EMPTY_POLL_INTERVAL", "1s")
	v.SetDefault("QUEUE_SWEEPER_INTERVAL", "")
	v.SetDefault("QUEUE_MAX_RETRIES", 3)
	v.SetDefault("QUEUE_BACKOFF_BASE", "30s")
	v.SetDefault("QUEUE_BACKOFF_MAX", "30m")

	v.SetDefault("AUDIT_QUEUE_SIZE", 1000)
	v.SetDefault("AUDIT_RETRY_ATTEMPTS", 3)
	v.SetDefault("AUDIT_RETRY_INTERVAL", "5s")

	v.SetDefault("ENABLE_CACHE", true)
	v.SetDefault("CACHE_DOCUMENT_TTL", "1h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
