package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Extension   ExtensionConfig
	Rules       RulesConfig
	Digest      DigestConfig
	Attachments AttachmentsConfig
	Exports     ExportsConfig
	Metrics     MetricsConfig
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

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ExtensionConfig tunes the extension-request workflow.
type ExtensionConfig struct {
	CacheTTL       time.Duration
	SearchBackward time.Duration
	SearchForward  time.Duration
	MinimumNotice  time.Duration
	MaximumLength  time.Duration
}

// RulesConfig governs the trigger rule sweep.
type RulesConfig struct {
	SweepEnabled  bool
	SweepInterval time.Duration
	TriggerTTL    time.Duration
}

// DigestConfig governs batched notification delivery.
type DigestConfig struct {
	Enabled           bool
	Interval          time.Duration
	RetainSent        time.Duration
	WorkerConcurrency int
	WorkerRetries     int
}

// AttachmentsConfig controls attachment storage & validation.
type AttachmentsConfig struct {
	StorageDir       string
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

// ExportsConfig toggles the request-register export endpoints.
type ExportsConfig struct {
	Enabled    bool
	StorageDir string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
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
	cfg.APIPrefix = v.GetString("API_PREFIX")

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

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Extension = ExtensionConfig{
		CacheTTL:       parseDuration(v.GetString("EXTENSION_CACHE_TTL"), 10*time.Minute),
		SearchBackward: parseDuration(v.GetString("EXTENSION_SEARCH_BACKWARD"), 24*time.Hour),
		SearchForward:  parseDuration(v.GetString("EXTENSION_SEARCH_FORWARD"), 14*24*time.Hour),
		MinimumNotice:  parseDuration(v.GetString("EXTENSION_MINIMUM_NOTICE"), 24*time.Hour),
		MaximumLength:  parseDuration(v.GetString("EXTENSION_MAXIMUM_LENGTH"), 90*24*time.Hour),
	}

	cfg.Rules = RulesConfig{
		SweepEnabled:  v.GetBool("RULES_SWEEP_ENABLED"),
		SweepInterval: parseDuration(v.GetString("RULES_SWEEP_INTERVAL"), time.Hour),
		TriggerTTL:    parseDuration(v.GetString("RULES_TRIGGER_TTL"), 15*time.Minute),
	}

	cfg.Digest = DigestConfig{
		Enabled:           v.GetBool("DIGEST_ENABLED"),
		Interval:          parseDuration(v.GetString("DIGEST_INTERVAL"), 24*time.Hour),
		RetainSent:        parseDuration(v.GetString("DIGEST_RETAIN_SENT"), 7*24*time.Hour),
		WorkerConcurrency: v.GetInt("DIGEST_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("DIGEST_WORKER_RETRIES"),
	}

	maxAttachmentSize := v.GetInt64("ATTACHMENTS_MAX_FILE_SIZE")
	if maxAttachmentSize <= 0 {
		maxAttachmentSize = 10 * 1024 * 1024
	}
	cfg.Attachments = AttachmentsConfig{
		StorageDir:       v.GetString("ATTACHMENTS_STORAGE_DIR"),
		MaxFileSizeBytes: maxAttachmentSize,
		AllowedMIMEs:     splitAndTrim(v.GetString("ATTACHMENTS_ALLOWED_MIME_TYPES")),
	}

	cfg.Exports = ExportsConfig{
		Enabled:    v.GetBool("ENABLE_EXPORTS"),
		StorageDir: v.GetString("EXPORTS_STORAGE_DIR"),
	}

	cfg.Metrics = MetricsConfig{
		Enabled: v.GetBool("ENABLE_METRICS"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "extension_api")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("EXTENSION_CACHE_TTL", "10m")
	v.SetDefault("EXTENSION_SEARCH_BACKWARD", "24h")
	v.SetDefault("EXTENSION_SEARCH_FORWARD", "336h")
	v.SetDefault("EXTENSION_MINIMUM_NOTICE", "24h")
	v.SetDefault("EXTENSION_MAXIMUM_LENGTH", "2160h")

	v.SetDefault("RULES_SWEEP_ENABLED", false)
	v.SetDefault("RULES_SWEEP_INTERVAL", "1h")
	v.SetDefault("RULES_TRIGGER_TTL", "15m")

	v.SetDefault("DIGEST_ENABLED", false)
	v.SetDefault("DIGEST_INTERVAL", "24h")
	v.SetDefault("DIGEST_RETAIN_SENT", "168h")
	v.SetDefault("DIGEST_WORKER_CONCURRENCY", 1)
	v.SetDefault("DIGEST_WORKER_RETRIES", 3)

	v.SetDefault("ATTACHMENTS_STORAGE_DIR", "./attachments")
	v.SetDefault("ATTACHMENTS_MAX_FILE_SIZE", 10*1024*1024)
	v.SetDefault("ATTACHMENTS_ALLOWED_MIME_TYPES", "application/pdf,image/png,image/jpeg,application/zip,text/plain")

	v.SetDefault("ENABLE_EXPORTS", false)
	v.SetDefault("EXPORTS_STORAGE_DIR", "./exports")

	v.SetDefault("ENABLE_METRICS", false)
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
