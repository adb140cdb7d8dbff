package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	RedisAddr           string   `mapstructure:"REDIS_ADDR"`
	RedisPassword       string   `mapstructure:"REDIS_PASSWORD"`
	RedisDB             int      `mapstructure:"REDIS_DB"`
	PHIEncryptionKey    string   `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIConfidenceFloor  float64  `mapstructure:"PHI_CONFIDENCE_FLOOR"`
	NLPBaseURL          string   `mapstructure:"NLP_BASE_URL"`
	AIBaseURL           string   `mapstructure:"AI_BASE_URL"`
	ExternalCallTimeout int      `mapstructure:"EXTERNAL_CALL_TIMEOUT_SECONDS"`
	PipelineConcurrency int      `mapstructure:"PIPELINE_CONCURRENCY"`
	MaxReportAttempts   int      `mapstructure:"MAX_REPORT_ATTEMPTS"`
	WebhookMaxAttempts  int      `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("PHI_CONFIDENCE_FLOOR", 0.5)
	v.SetDefault("EXTERNAL_CALL_TIMEOUT_SECONDS", 60)
	v.SetDefault("PIPELINE_CONCURRENCY", 4)
	v.SetDefault("MAX_REPORT_ATTEMPTS", 3)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_ADDR")
	v.BindEnv("REDIS_PASSWORD")
	v.BindEnv("REDIS_DB")
	v.BindEnv("PHI_ENCRYPTION_KEY")
	v.BindEnv("PHI_CONFIDENCE_FLOOR")
	v.BindEnv("NLP_BASE_URL")
	v.BindEnv("AI_BASE_URL")
	v.BindEnv("EXTERNAL_CALL_TIMEOUT_SECONDS")
	v.BindEnv("PIPELINE_CONCURRENCY")
	v.BindEnv("MAX_REPORT_ATTEMPTS")
	v.BindEnv("WEBHOOK_MAX_ATTEMPTS")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CallTimeout returns the bounded timeout applied to every external
// collaborator call (NLP, AI comparison, webhook delivery).
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.ExternalCallTimeout) * time.Second
}

// EncryptionKey decodes the configured PHI mapping key. The key is process-wide
// read-only configuration; rotation happens out-of-band.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.PHIEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. In production the
// PHI mapping encryption key is mandatory; a report pipeline without it could
// never persist a reversible de-identification mapping.
func (c *Config) Validate() error {
	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		if _, err := c.EncryptionKey(); err != nil {
			return err
		}
	}
	if c.MaxReportAttempts < 1 {
		return fmt.Errorf("MAX_REPORT_ATTEMPTS must be at least 1, got %d", c.MaxReportAttempts)
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.WebhookMaxAttempts)
	}
	if c.PipelineConcurrency < 1 {
		return fmt.Errorf("PIPELINE_CONCURRENCY must be at least 1, got %d", c.PipelineConcurrency)
	}
	if c.PHIConfidenceFloor < 0 || c.PHIConfidenceFloor > 1 {
		return fmt.Errorf("PHI_CONFIDENCE_FLOOR must be in [0,1], got %v", c.PHIConfidenceFloor)
	}
	return nil
}
