/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the sync-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	AuditExchange              string `mapstructure:"AUDIT_EXCHANGE"`
	ProviderAPIBaseURL         string `mapstructure:"PROVIDER_API_BASE_URL"`
	ProviderClientID           string `mapstructure:"PROVIDER_CLIENT_ID"`
	ProviderSecret             string `mapstructure:"PROVIDER_SECRET"`
	ProviderTimeoutSeconds     int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	ProviderRateLimitPerMinute int    `mapstructure:"PROVIDER_RATE_LIMIT_PER_MINUTE"`
	VaultEncryptionKey         string `mapstructure:"VAULT_ENCRYPTION_KEY"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	SyncSchedule               string `mapstructure:"SYNC_SCHEDULE"`
	SyncConcurrency            int    `mapstructure:"SYNC_CONCURRENCY"`
	WebhookKeyCacheTTLSeconds  int    `mapstructure:"WEBHOOK_KEY_CACHE_TTL_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "centsight:rate_limit")
	viper.SetDefault("AUDIT_EXCHANGE", "centsight.audit")
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PROVIDER_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("SYNC_SCHEDULE", "0 */6 * * *")
	viper.SetDefault("SYNC_CONCURRENCY", 4)
	viper.SetDefault("WEBHOOK_KEY_CACHE_TTL_SECONDS", 86400)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SYNC_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUDIT_EXCHANGE")
	_ = viper.BindEnv("PROVIDER_API_BASE_URL")
	_ = viper.BindEnv("PROVIDER_CLIENT_ID")
	_ = viper.BindEnv("PROVIDER_SECRET")
	_ = viper.BindEnv("PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PROVIDER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("VAULT_ENCRYPTION_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SYNC_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SYNC_SCHEDULE")
	_ = viper.BindEnv("SYNC_CONCURRENCY")
	_ = viper.BindEnv("WEBHOOK_KEY_CACHE_TTL_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SYNC_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "centsight:rate_limit"
	}
	config.SyncSchedule = strings.TrimSpace(config.SyncSchedule)
	if config.SyncSchedule == "" {
		config.SyncSchedule = "0 */6 * * *"
	}

	if config.ProviderTimeoutSeconds <= 0 {
		config.ProviderTimeoutSeconds = 30
	}
	if config.ProviderRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative provider rate limit configured; disabling throttle\" limit=%d", config.ProviderRateLimitPerMinute)
		config.ProviderRateLimitPerMinute = 0
	}
	if config.SyncConcurrency <= 0 {
		config.SyncConcurrency = 4
	}
	if config.WebhookKeyCacheTTLSeconds <= 0 {
		config.WebhookKeyCacheTTLSeconds = 86400
	}

	return
}
