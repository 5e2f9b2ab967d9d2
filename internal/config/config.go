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
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the contribution-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	PortalCachePrefix       string `mapstructure:"PORTAL_CACHE_PREFIX"`
	PortalCacheTTLHours     int    `mapstructure:"PORTAL_CACHE_TTL_HOURS"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	WebhookEventQueue       string `mapstructure:"WEBHOOK_EVENT_QUEUE"`
	TaskEventQueue          string `mapstructure:"TASK_EVENT_QUEUE"`
	StripeSecretKey         string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret     string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeProductID         string `mapstructure:"STRIPE_PRODUCT_ID"`
	ConnectedAccounts       string `mapstructure:"CONNECTED_ACCOUNTS"`
	BadActorAPIBaseURL      string `mapstructure:"BAD_ACTOR_API_BASE_URL"`
	BadActorAPIKey          string `mapstructure:"BAD_ACTOR_API_KEY"`
	BadActorFlagScore       int    `mapstructure:"BAD_ACTOR_FLAG_SCORE"`
	BadActorRejectScore     int    `mapstructure:"BAD_ACTOR_REJECT_SCORE"`
	FlaggedAutoAcceptHours  int    `mapstructure:"FLAGGED_AUTO_ACCEPT_HOURS"`
	AbandonedAfterHours     int    `mapstructure:"ABANDONED_AFTER_HOURS"`
	FlaggedSweepSchedule    string `mapstructure:"FLAGGED_SWEEP_SCHEDULE"`
	AbandonedSweepSchedule  string `mapstructure:"ABANDONED_SWEEP_SCHEDULE"`
	ReconcileSweepSchedule  string `mapstructure:"RECONCILE_SWEEP_SCHEDULE"`
	ReconcileLookbackHours  int    `mapstructure:"RECONCILE_LOOKBACK_HOURS"`
	DefaultCurrency         string `mapstructure:"DEFAULT_CURRENCY"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
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
	viper.SetDefault("PORTAL_CACHE_PREFIX", "donorhub:portal")
	viper.SetDefault("PORTAL_CACHE_TTL_HOURS", 24)
	viper.SetDefault("WEBHOOK_EVENT_QUEUE", "contribution_service.webhook_events")
	viper.SetDefault("TASK_EVENT_QUEUE", "contribution_service.tasks")
	viper.SetDefault("BAD_ACTOR_FLAG_SCORE", 4)
	viper.SetDefault("BAD_ACTOR_REJECT_SCORE", 5)
	viper.SetDefault("FLAGGED_AUTO_ACCEPT_HOURS", 72)
	viper.SetDefault("ABANDONED_AFTER_HOURS", 8)
	viper.SetDefault("FLAGGED_SWEEP_SCHEDULE", "0 * * * *")
	viper.SetDefault("ABANDONED_SWEEP_SCHEDULE", "30 * * * *")
	viper.SetDefault("RECONCILE_SWEEP_SCHEDULE", "0 2 * * *")
	viper.SetDefault("RECONCILE_LOOKBACK_HOURS", 26)
	viper.SetDefault("DEFAULT_CURRENCY", "usd")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PORTAL_REDIS_URL")
	_ = viper.BindEnv("PORTAL_CACHE_PREFIX")
	_ = viper.BindEnv("PORTAL_CACHE_TTL_HOURS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("WEBHOOK_EVENT_QUEUE")
	_ = viper.BindEnv("TASK_EVENT_QUEUE")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_PRODUCT_ID")
	_ = viper.BindEnv("CONNECTED_ACCOUNTS")
	_ = viper.BindEnv("BAD_ACTOR_API_BASE_URL")
	_ = viper.BindEnv("BAD_ACTOR_API_KEY")
	_ = viper.BindEnv("BAD_ACTOR_FLAG_SCORE")
	_ = viper.BindEnv("BAD_ACTOR_REJECT_SCORE")
	_ = viper.BindEnv("FLAGGED_AUTO_ACCEPT_HOURS")
	_ = viper.BindEnv("ABANDONED_AFTER_HOURS")
	_ = viper.BindEnv("FLAGGED_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ABANDONED_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_LOOKBACK_HOURS")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CONTRIBUTION_SERVICE_INTERNAL_API_KEY")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CONTRIBUTION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.PortalCachePrefix = strings.TrimSpace(config.PortalCachePrefix)
	if config.PortalCachePrefix == "" {
		config.PortalCachePrefix = "donorhub:portal"
	}
	config.DefaultCurrency = strings.ToLower(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "usd"
	}

	if config.PortalCacheTTLHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive portal cache ttl configured; using default\" ttl_hours=%d", config.PortalCacheTTLHours)
		config.PortalCacheTTLHours = 24
	}
	if config.BadActorFlagScore <= 0 {
		config.BadActorFlagScore = 4
	}
	if config.BadActorRejectScore <= 0 {
		config.BadActorRejectScore = 5
	}
	if config.BadActorRejectScore < config.BadActorFlagScore {
		log.Printf("level=warn component=config msg=\"reject score below flag score; raising to flag score\" flag=%d reject=%d", config.BadActorFlagScore, config.BadActorRejectScore)
		config.BadActorRejectScore = config.BadActorFlagScore
	}
	if config.FlaggedAutoAcceptHours <= 0 {
		config.FlaggedAutoAcceptHours = 72
	}
	if config.AbandonedAfterHours <= 0 {
		config.AbandonedAfterHours = 8
	}
	if config.ReconcileLookbackHours <= 0 {
		config.ReconcileLookbackHours = 26
	}

	return
}

// PortalCacheTTL returns the configured portal cache expiry as a duration.
func (c Config) PortalCacheTTL() time.Duration {
	return time.Duration(c.PortalCacheTTLHours) * time.Hour
}

// ConnectedAccountList splits the comma-separated connected account ids used by
// the nightly reconcile sweep. Blank entries are dropped.
func (c Config) ConnectedAccountList() []string {
	parts := strings.Split(c.ConnectedAccounts, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
