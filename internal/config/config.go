/**
 * @description
 * This package handles the configuration management for the settlement service. It uses
 * Viper to read configuration from environment variables and an optional .env file,
 * providing a single place to manage bank identity, key material and collaborator URLs.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix        string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	SettlementExchange    string `mapstructure:"SETTLEMENT_EXCHANGE"`
	BankPrefix            string `mapstructure:"BANK_PREFIX"`
	BankName              string `mapstructure:"BANK_NAME"`
	BaseURL               string `mapstructure:"BASE_URL"`
	PrivateKeyPath        string `mapstructure:"PRIVATE_KEY_PATH"`
	KeyPassphrase         string `mapstructure:"KEY_PASSPHRASE"`
	PublicKeyPath         string `mapstructure:"PUBLIC_KEY_PATH"`
	SigningKeyID          string `mapstructure:"SIGNING_KEY_ID"`
	CentralBankURL        string `mapstructure:"CENTRAL_BANK_URL"`
	CentralBankAPIKey     string `mapstructure:"CENTRAL_BANK_API_KEY"`
	SessionJWTSecret      string `mapstructure:"SESSION_JWT_SECRET"`
	HTTPTimeoutSeconds    int    `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	RetryAttempts         int    `mapstructure:"RETRY_ATTEMPTS"`
	RetryBaseDelayMs      int    `mapstructure:"RETRY_BASE_DELAY_MS"`
	CacheTTLMinutes       int    `mapstructure:"CACHE_TTL_MINUTES"`
	EnvelopeTTLMinutes    int    `mapstructure:"ENVELOPE_TTL_MINUTES"`
	ReconcileSchedule     string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileGraceMinutes int    `mapstructure:"RECONCILE_GRACE_MINUTES"`
	ReconcileBatchSize    int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	B2BRateLimitPerMinute int    `mapstructure:"B2B_RATE_LIMIT_PER_MINUTE"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`
	CORSAllowedOrigins    string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// HTTPTimeout is the per-attempt timeout for outbound calls.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

func (c Config) EnvelopeTTL() time.Duration {
	return time.Duration(c.EnvelopeTTLMinutes) * time.Minute
}

func (c Config) ReconcileGrace() time.Duration {
	return time.Duration(c.ReconcileGraceMinutes) * time.Minute
}

// MinReconcileGrace is the longest an outgoing transfer can legitimately stay in
// progress: every delivery attempt timing out plus the backoff between them, and the
// same again for the status query that follows a rejected delivery.
func (c Config) MinReconcileGrace() time.Duration {
	var backoff time.Duration
	for attempt := 2; attempt <= c.RetryAttempts; attempt++ {
		backoff += c.RetryBaseDelay() << uint(attempt-2)
	}
	return 2 * (time.Duration(c.RetryAttempts)*c.HTTPTimeout() + backoff)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// JWKSURL is the public location of this bank's key-set document.
func (c Config) JWKSURL() string {
	return c.BaseURL + "/.well-known/jwks.json"
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "settlement")
	viper.SetDefault("SETTLEMENT_EXCHANGE", "settlement.events")
	viper.SetDefault("BANK_NAME", "Settlement Bank")
	viper.SetDefault("PRIVATE_KEY_PATH", "keys/private.pem")
	viper.SetDefault("PUBLIC_KEY_PATH", "keys/public.pem")
	viper.SetDefault("SIGNING_KEY_ID", "1")
	viper.SetDefault("HTTP_TIMEOUT_SECONDS", 30)
	viper.SetDefault("RETRY_ATTEMPTS", 3)
	viper.SetDefault("RETRY_BASE_DELAY_MS", 1000)
	viper.SetDefault("CACHE_TTL_MINUTES", 60)
	viper.SetDefault("ENVELOPE_TTL_MINUTES", 60)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_GRACE_MINUTES", 10)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)
	viper.SetDefault("B2B_RATE_LIMIT_PER_MINUTE", 600)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EXCHANGE")
	_ = viper.BindEnv("BANK_PREFIX")
	_ = viper.BindEnv("BANK_NAME")
	_ = viper.BindEnv("BASE_URL", "BASE_URL", "PUBLIC_BASE_URL")
	_ = viper.BindEnv("PRIVATE_KEY_PATH")
	_ = viper.BindEnv("KEY_PASSPHRASE")
	_ = viper.BindEnv("PUBLIC_KEY_PATH")
	_ = viper.BindEnv("SIGNING_KEY_ID")
	_ = viper.BindEnv("CENTRAL_BANK_URL")
	_ = viper.BindEnv("CENTRAL_BANK_API_KEY")
	_ = viper.BindEnv("SESSION_JWT_SECRET", "SESSION_JWT_SECRET", "JWT_SECRET")
	_ = viper.BindEnv("HTTP_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RETRY_ATTEMPTS")
	_ = viper.BindEnv("RETRY_BASE_DELAY_MS")
	_ = viper.BindEnv("CACHE_TTL_MINUTES")
	_ = viper.BindEnv("ENVELOPE_TTL_MINUTES")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_GRACE_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("B2B_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.BankPrefix = strings.ToUpper(strings.TrimSpace(config.BankPrefix))
	config.BaseURL = strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	config.CentralBankURL = strings.TrimRight(strings.TrimSpace(config.CentralBankURL), "/")
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.SigningKeyID = strings.TrimSpace(config.SigningKeyID)
	if config.SigningKeyID == "" {
		config.SigningKeyID = "1"
	}
	if config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix); config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "settlement"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:" + config.ServerPort
	}

	if len(config.BankPrefix) != 3 {
		log.Printf("level=warn component=config msg=\"BANK_PREFIX should be exactly 3 characters\" value=%q", config.BankPrefix)
	}

	if config.HTTPTimeoutSeconds <= 0 {
		config.HTTPTimeoutSeconds = 30
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryBaseDelayMs <= 0 {
		config.RetryBaseDelayMs = 1000
	}
	if config.CacheTTLMinutes <= 0 {
		config.CacheTTLMinutes = 60
	}
	if config.EnvelopeTTLMinutes <= 0 {
		config.EnvelopeTTLMinutes = 60
	}
	if config.ReconcileGraceMinutes <= 0 {
		config.ReconcileGraceMinutes = 10
	}
	if minGrace := config.MinReconcileGrace(); config.ReconcileGrace() < minGrace {
		minutes := int((minGrace + time.Minute - 1) / time.Minute)
		log.Printf("level=warn component=config msg=\"reconcile grace shorter than a full delivery; raising\" value=%d min=%d", config.ReconcileGraceMinutes, minutes)
		config.ReconcileGraceMinutes = minutes
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}
	if config.B2BRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative b2b rate limit configured; disabling\" value=%d", config.B2BRateLimitPerMinute)
		config.B2BRateLimitPerMinute = 0
	}

	return
}
