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
	NodeID      int64
	HTTPAddr    string
	AdminToken  string

	OTLPEndpoint string

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
	DBConnMaxIdleTime int

	Redis      RedisConfig
	Dispatch   DispatchConfig
	Providers  ProvidersConfig
	SMTP       SMTPConfig
	Archive    ArchiveConfig
	Reconcile  ReconcileConfig
	Billing    BillingRetryConfig
	Disputes   DisputeConfig
	Scheduler  SchedulerConfig
	RateLimit  RateLimitConfig
	FeesConfig string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const (
	DispatchModeInline = "inline"
	DispatchModeQueue  = "queue"
)

type DispatchConfig struct {
	Mode                    string
	WebhookConcurrency      int
	BillingConcurrency      int
	NotificationConcurrency int
	MaxAttempts             int
	BaseBackoff             time.Duration
	MaxBackoff              time.Duration
	VisibilityTimeout       time.Duration
	HandlerLockTTL          time.Duration
	HandlerLockRetries      int
	HandlerLockRetryDelay   time.Duration
}

type ProviderConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

type ProvidersConfig struct {
	Stripe   ProviderConfig
	Paystack ProviderConfig

	FailureThreshold int
	ResetTimeout     time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

type ReconcileConfig struct {
	Window           time.Duration
	WarningThreshold float64
	ErrorThreshold   float64
	// Currencies are always compared, even with no ledger rows in the window.
	Currencies []string
}

type BillingRetryConfig struct {
	Backoff  []time.Duration
	LockTTL  time.Duration
	Interval time.Duration
}

type DisputeConfig struct {
	AutoBlockThreshold int
}

// RateLimitConfig throttles webhook intake per provider. A zero rate
// disables it.
type RateLimitConfig struct {
	WebhookRate  float64
	WebhookBurst int
}

type SchedulerConfig struct {
	RunInterval       time.Duration
	EnabledJobs       []string
	ReconcileInterval time.Duration
	RedriveAfter      time.Duration
	RedriveMaxRetries int
	RedriveBatchSize  int
	SweepInterval     time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "payrail"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		NodeID:       getenvInt64("NODE_ID", 1),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		AdminToken:   strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4318"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "payrail"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Dispatch: DispatchConfig{
			Mode:                    normalizeDispatchMode(getenv("DISPATCH_MODE", DispatchModeInline)),
			WebhookConcurrency:      getenvInt("QUEUE_WEBHOOK_CONCURRENCY", 8),
			BillingConcurrency:      1,
			NotificationConcurrency: getenvInt("QUEUE_NOTIFICATION_CONCURRENCY", 4),
			MaxAttempts:             getenvInt("QUEUE_MAX_ATTEMPTS", 5),
			BaseBackoff:             getenvDuration("QUEUE_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:              getenvDuration("QUEUE_MAX_BACKOFF", 10*time.Minute),
			VisibilityTimeout:       getenvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			HandlerLockTTL:          getenvDuration("HANDLER_LOCK_TTL", 30*time.Second),
			HandlerLockRetries:      getenvInt("HANDLER_LOCK_RETRIES", 3),
			HandlerLockRetryDelay:   getenvDuration("HANDLER_LOCK_RETRY_DELAY", 100*time.Millisecond),
		},
		Providers: ProvidersConfig{
			Stripe: ProviderConfig{
				SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
				WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
				BaseURL:       getenv("STRIPE_BASE_URL", "https://api.stripe.com"),
				Timeout:       getenvDuration("STRIPE_TIMEOUT", 10*time.Second),
			},
			Paystack: ProviderConfig{
				SecretKey:     strings.TrimSpace(getenv("PAYSTACK_SECRET_KEY", "")),
				WebhookSecret: strings.TrimSpace(getenv("PAYSTACK_WEBHOOK_SECRET", "")),
				BaseURL:       getenv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
				Timeout:       getenvDuration("PAYSTACK_TIMEOUT", 10*time.Second),
			},
			FailureThreshold: getenvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getenvDuration("CIRCUIT_RESET_TIMEOUT", 30*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "billing@payrail.local"),
		},
		Archive: ArchiveConfig{
			Bucket:          strings.TrimSpace(getenv("ARCHIVE_S3_BUCKET", "")),
			Region:          getenv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        strings.TrimSpace(getenv("ARCHIVE_S3_ENDPOINT", "")),
			AccessKeyID:     getenv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getenv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		},
		Reconcile: ReconcileConfig{
			Window:           getenvDuration("RECONCILE_WINDOW", 24*time.Hour),
			WarningThreshold: getenvFloat("RECONCILE_WARNING_THRESHOLD", 0.01),
			ErrorThreshold:   getenvFloat("RECONCILE_ERROR_THRESHOLD", 0.05),
			Currencies:       reconcileCurrencies(),
		},
		Billing: BillingRetryConfig{
			Backoff:  getenvDurations("BILLING_RETRY_BACKOFF", []time.Duration{24 * time.Hour, 72 * time.Hour, 120 * time.Hour}),
			LockTTL:  getenvDuration("BILLING_LOCK_TTL", 5*time.Minute),
			Interval: getenvDuration("BILLING_RUN_INTERVAL", 15*time.Minute),
		},
		Disputes: DisputeConfig{
			AutoBlockThreshold: getenvInt("DISPUTE_AUTO_BLOCK_THRESHOLD", 2),
		},
		Scheduler: SchedulerConfig{
			RunInterval:       getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			EnabledJobs:       getenvList("SCHEDULER_ENABLED_JOBS"),
			ReconcileInterval: getenvDuration("RECONCILE_INTERVAL", time.Hour),
			RedriveAfter:      getenvDuration("LEDGER_REDRIVE_AFTER", 5*time.Minute),
			RedriveMaxRetries: getenvInt("LEDGER_REDRIVE_MAX_RETRIES", 5),
			RedriveBatchSize:  getenvInt("LEDGER_REDRIVE_BATCH_SIZE", 100),
			SweepInterval:     getenvDuration("REGISTRY_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			WebhookRate:  getenvFloat("WEBHOOK_RATE_LIMIT_RPS", 50),
			WebhookBurst: getenvInt("WEBHOOK_RATE_LIMIT_BURST", 200),
		},
		FeesConfig: getenv("FEES_CONFIG_PATH", ""),
	}

	return cfg
}

func (c Config) QueueEnabled() bool {
	return c.Dispatch.Mode == DispatchModeQueue && c.Redis.Addr != ""
}

func normalizeDispatchMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case DispatchModeQueue:
		return DispatchModeQueue
	default:
		return DispatchModeInline
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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

// getenvDurations parses a comma separated list such as "24h,72h".
func getenvDurations(key string, def []time.Duration) []time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	out := make([]time.Duration, 0, 4)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parsed, err := time.ParseDuration(part)
		if err != nil || parsed <= 0 {
			return def
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func reconcileCurrencies() []string {
	list := getenvList("RECONCILE_CURRENCIES")
	if len(list) == 0 {
		return []string{"NGN", "USD"}
	}
	for i := range list {
		list[i] = strings.ToUpper(list[i])
	}
	return list
}

// getenvList splits a comma separated value, dropping empty items.
func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
