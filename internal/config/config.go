/**
 * @description
 * This package handles the configuration management for the stokvel service. It uses
 * Viper to read configuration from environment variables and an optional .env file,
 * applies defaults, and validates the keys the service cannot run without.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the stokvel service.
type Config struct {
	ServerPort                   string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string  `mapstructure:"DATABASE_URL"`
	StoreDriver                  string  `mapstructure:"STORE_DRIVER"`
	RedisURL                     string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix               string  `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                  string  `mapstructure:"RABBITMQ_URL"`
	NotificationExchange         string  `mapstructure:"NOTIFICATION_EXCHANGE"`
	NotificationRoutingKey       string  `mapstructure:"NOTIFICATION_ROUTING_KEY"`
	PaymentGatewayURL            string  `mapstructure:"PAYMENT_GATEWAY_URL"`
	PaymentGatewayTimeoutSeconds int     `mapstructure:"PAYMENT_GATEWAY_TIMEOUT_SECONDS"`
	PaymentGatewayMaxRetries     int     `mapstructure:"PAYMENT_GATEWAY_MAX_RETRIES"`
	PortalBaseURL                string  `mapstructure:"PORTAL_BASE_URL"`
	SystemAgentPhone             string  `mapstructure:"SYSTEM_AGENT_PHONE"`
	ScheduleTickCron             string  `mapstructure:"SCHEDULE_TICK_CRON"`
	InterestAccrualCron          string  `mapstructure:"INTEREST_ACCRUAL_CRON"`
	ScheduleTickBudgetSeconds    int     `mapstructure:"SCHEDULE_TICK_BUDGET_SECONDS"`
	ScheduleParallelism          int     `mapstructure:"SCHEDULE_PARALLELISM"`
	InterestRateMode             string  `mapstructure:"INTEREST_RATE_MODE"`
	InterestFixedRate            float64 `mapstructure:"INTEREST_FIXED_RATE"`
	ConversationIdleMinutes      int     `mapstructure:"CONVERSATION_IDLE_MINUTES"`
	OTPTTLSeconds                int     `mapstructure:"OTP_TTL_SECONDS"`
	JWTSecret                    string  `mapstructure:"JWT_SECRET"`
	JWTTTLMinutes                int     `mapstructure:"JWT_TTL_MINUTES"`
	WebhookAuthToken             string  `mapstructure:"WEBHOOK_AUTH_TOKEN"`
	InboundRateLimitPerMinute    int     `mapstructure:"INBOUND_RATE_LIMIT_PER_MINUTE"`
	LogLevel                     string  `mapstructure:"LOG_LEVEL"`
	LogFormat                    string  `mapstructure:"LOG_FORMAT"`
}

// PaymentGatewayTimeout is the per-call timeout for the payment service.
func (c Config) PaymentGatewayTimeout() time.Duration {
	return time.Duration(c.PaymentGatewayTimeoutSeconds) * time.Second
}

// ScheduleTickBudget bounds a single ScheduleEngine tick.
func (c Config) ScheduleTickBudget() time.Duration {
	return time.Duration(c.ScheduleTickBudgetSeconds) * time.Second
}

// ConversationIdle is the inactivity window after which a conversation resets.
func (c Config) ConversationIdle() time.Duration {
	return time.Duration(c.ConversationIdleMinutes) * time.Minute
}

// OTPTTL is the lifetime of a one-time code.
func (c Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLSeconds) * time.Second
}

// JWTTTL is the lifetime of an API session token.
func (c Config) JWTTTL() time.Duration {
	return time.Duration(c.JWTTTLMinutes) * time.Minute
}

var configKeys = []string{
	"SERVER_PORT",
	"DATABASE_URL",
	"STORE_DRIVER",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"RABBITMQ_URL",
	"NOTIFICATION_EXCHANGE",
	"NOTIFICATION_ROUTING_KEY",
	"PAYMENT_GATEWAY_URL",
	"PAYMENT_GATEWAY_TIMEOUT_SECONDS",
	"PAYMENT_GATEWAY_MAX_RETRIES",
	"PORTAL_BASE_URL",
	"SYSTEM_AGENT_PHONE",
	"SCHEDULE_TICK_CRON",
	"INTEREST_ACCRUAL_CRON",
	"SCHEDULE_TICK_BUDGET_SECONDS",
	"SCHEDULE_PARALLELISM",
	"INTEREST_RATE_MODE",
	"INTEREST_FIXED_RATE",
	"CONVERSATION_IDLE_MINUTES",
	"OTP_TTL_SECONDS",
	"JWT_SECRET",
	"JWT_TTL_MINUTES",
	"WEBHOOK_AUTH_TOKEN",
	"INBOUND_RATE_LIMIT_PER_MINUTE",
	"LOG_LEVEL",
	"LOG_FORMAT",
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("REDIS_KEY_PREFIX", "stokvel")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "stokvel.events")
	viper.SetDefault("NOTIFICATION_ROUTING_KEY", "notification.message.send")
	viper.SetDefault("PAYMENT_GATEWAY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("PAYMENT_GATEWAY_MAX_RETRIES", 2)
	viper.SetDefault("PORTAL_BASE_URL", "http://localhost:8080")
	viper.SetDefault("SCHEDULE_TICK_CRON", "@every 1m")
	viper.SetDefault("INTEREST_ACCRUAL_CRON", "0 1 1 * *") // At 01:00 on day-of-month 1.
	viper.SetDefault("SCHEDULE_TICK_BUDGET_SECONDS", 300)
	viper.SetDefault("SCHEDULE_PARALLELISM", 8)
	viper.SetDefault("INTEREST_RATE_MODE", "random")
	viper.SetDefault("INTEREST_FIXED_RATE", 0.0)
	viper.SetDefault("CONVERSATION_IDLE_MINUTES", 60)
	viper.SetDefault("OTP_TTL_SECONDS", 120)
	viper.SetDefault("JWT_TTL_MINUTES", 30)
	viper.SetDefault("INBOUND_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.InterestRateMode = strings.ToLower(strings.TrimSpace(config.InterestRateMode))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.PaymentGatewayURL = strings.TrimSuffix(strings.TrimSpace(config.PaymentGatewayURL), "/")
	config.PortalBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PortalBaseURL), "/")

	if config.ScheduleParallelism < 1 {
		log.Printf("level=warn component=config msg=\"non-positive SCHEDULE_PARALLELISM; using 1\" value=%d", config.ScheduleParallelism)
		config.ScheduleParallelism = 1
	}
	if config.PaymentGatewayMaxRetries < 0 {
		config.PaymentGatewayMaxRetries = 0
	}

	err = config.Validate()
	return
}

// Validate checks the keys the service cannot start without.
func (c Config) Validate() error {
	var problems []string
	switch c.StoreDriver {
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			problems = append(problems, "DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	if c.PaymentGatewayURL == "" {
		problems = append(problems, "PAYMENT_GATEWAY_URL is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	switch c.InterestRateMode {
	case "random", "zero":
	case "fixed":
		if c.InterestFixedRate < 0 {
			problems = append(problems, "INTEREST_FIXED_RATE cannot be negative")
		}
	default:
		problems = append(problems, fmt.Sprintf("INTEREST_RATE_MODE must be random, fixed or zero, got %q", c.InterestRateMode))
	}
	if c.PaymentGatewayTimeoutSeconds <= 0 {
		problems = append(problems, "PAYMENT_GATEWAY_TIMEOUT_SECONDS must be positive")
	}
	if c.ScheduleTickBudgetSeconds <= 0 {
		problems = append(problems, "SCHEDULE_TICK_BUDGET_SECONDS must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
