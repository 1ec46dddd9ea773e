package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the static process configuration from the environment.
// Runtime behavior flags (intervals, auto_* switches, the forwarding
// cutoff) live in the settings table instead, so they can change
// without a restart.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Provider    ProviderConfig
	Transcriber TranscriberConfig
	Enricher    EnricherConfig
	Email       EmailConfig
	Storage     StorageConfig
	Pipeline    PipelineConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
}

type TranscriberConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type EnricherConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type EmailConfig struct {
	APIURL   string
	APIToken string
	From     string
	FromName string
}

type StorageConfig struct {
	AudioDir string
}

type PipelineConfig struct {
	TranscribeConcurrency int
	StageTimeout          time.Duration
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":9000"),
		},
		Database: DatabaseConfig{
			PostgresURL: mustEnv("POSTGRES_URL"),
		},
		Provider: ProviderConfig{
			Name:    getEnv("PROVIDER_NAME", "placetel"),
			BaseURL: getEnv("PROVIDER_BASE_URL", "https://api.placetel.de/v2"),
			APIKey:  mustEnv("PROVIDER_API_KEY"),
		},
		Transcriber: TranscriberConfig{
			BaseURL: getEnv("TRANSCRIBER_BASE_URL", "https://api.elevenlabs.io/v1"),
			APIKey:  mustEnv("TRANSCRIBER_API_KEY"),
			Model:   getEnv("TRANSCRIBER_MODEL", "scribe_v2"),
		},
		Enricher: EnricherConfig{
			BaseURL: getEnv("ENRICHER_BASE_URL", "https://openrouter.ai/api/v1"),
			APIKey:  mustEnv("ENRICHER_API_KEY"),
			Model:   getEnv("ENRICHER_MODEL", "google/gemini-3-pro-preview"),
		},
		Email: EmailConfig{
			APIURL:   getEnv("EMAIL_API_URL", "https://api.postmarkapp.com/email"),
			APIToken: getEnv("EMAIL_API_TOKEN", ""),
			From:     getEnv("EMAIL_FROM", ""),
			FromName: getEnv("EMAIL_FROM_NAME", "Phone App"),
		},
		Storage: StorageConfig{
			AudioDir: getEnv("AUDIO_DIR", "./data/voicemails"),
		},
		Pipeline: PipelineConfig{
			TranscribeConcurrency: getEnvInt("TRANSCRIBE_CONCURRENCY", 2),
			StageTimeout:          time.Duration(getEnvInt("STAGE_TIMEOUT_SECONDS", 600)) * time.Second,
		},
		Redis: loadRedisConfig(),
	}

	validate(cfg)
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func validate(cfg *Config) {
	if cfg.Pipeline.TranscribeConcurrency <= 0 {
		panic("TRANSCRIBE_CONCURRENCY must be > 0")
	}
	if cfg.Pipeline.StageTimeout <= 0 {
		panic("STAGE_TIMEOUT_SECONDS must be > 0")
	}
	if cfg.Email.APIToken != "" && cfg.Email.From == "" {
		panic("EMAIL_FROM is required when EMAIL_API_TOKEN is set")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}
