package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	StripeWebhookSecret string
	StripeSecretKey     string
	StripeAPIBase       string

	Logger LoggerConfig

	Billing   BillingConfig
	Retention RetentionConfig
}

type LoggerConfig struct {
	Level string
}

// BillingConfig carries policy values for the reconciliation core.
type BillingConfig struct {
	// MaxPaymentFailures is the number of consecutive failed invoice payments
	// before a subscription moves to unpaid.
	MaxPaymentFailures int
	// Referral credit amounts, minor units.
	RefereeDiscountAmount int64
	ReferrerCreditAmount  int64
	Currency              string

	ExternalCallAttempts int
	ExternalCallBackoff  time.Duration
	LockTTL              time.Duration
	LockWait             time.Duration
}

// RetentionConfig carries the legal retention windows.
type RetentionConfig struct {
	RunInterval        time.Duration
	CallRecordMaxAge   time.Duration
	InactiveAccountAge time.Duration
	WebhookEventMaxAge time.Duration
	BatchSize          int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "tryspeak"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tryspeak"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		StripeAPIBase:       getenv("STRIPE_API_BASE", "https://api.stripe.com"),

		Logger: LoggerConfig{Level: getenv("LOG_LEVEL", "info")},

		Billing: BillingConfig{
			MaxPaymentFailures:    getenvInt("BILLING_MAX_PAYMENT_FAILURES", 3),
			RefereeDiscountAmount: getenvInt64("REFERRAL_REFEREE_DISCOUNT", 2500),
			ReferrerCreditAmount:  getenvInt64("REFERRAL_REFERRER_CREDIT", 2500),
			Currency:              getenv("BILLING_CURRENCY", "GBP"),
			ExternalCallAttempts:  getenvInt("BILLING_CALL_ATTEMPTS", 3),
			ExternalCallBackoff:   getenvDuration("BILLING_CALL_BACKOFF", 500*time.Millisecond),
			LockTTL:               getenvDuration("ACCOUNT_LOCK_TTL", 30*time.Second),
			LockWait:              getenvDuration("ACCOUNT_LOCK_WAIT", 2*time.Second),
		},

		Retention: RetentionConfig{
			RunInterval:        getenvDuration("RETENTION_RUN_INTERVAL", 24*time.Hour),
			CallRecordMaxAge:   getenvDuration("RETENTION_CALL_RECORD_MAX_AGE", 90*24*time.Hour),
			InactiveAccountAge: getenvDuration("RETENTION_INACTIVE_ACCOUNT_AGE", 730*24*time.Hour),
			WebhookEventMaxAge: getenvDuration("RETENTION_WEBHOOK_EVENT_MAX_AGE", 7*365*24*time.Hour),
			BatchSize:          getenvInt("RETENTION_BATCH_SIZE", 100),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
