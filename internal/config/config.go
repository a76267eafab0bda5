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
	AppName       string
	AppVersion    string
	Environment   string
	HTTPPort      string
	NodeID        int64
	AuthJWTSecret string
	AuthJWTIssuer string

	OTLPEndpoint  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

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

	Paylink   PaylinkConfig
	Invoice   InvoiceConfig
	Scheduler SchedulerConfig
	Email     EmailConfig
	RateLimit RateLimitConfig
}

// PaylinkConfig configures the outbound gateway client and the inbound webhook.
type PaylinkConfig struct {
	BaseURL        string
	APIID          string
	SecretKey      string
	PersistToken   bool
	TokenTTL       time.Duration
	TokenMargin    time.Duration
	RequestTimeout time.Duration

	WebhookHeader string
	WebhookSecret string

	CallbackURL string
	CancelURL   string
}

type InvoiceConfig struct {
	DraftTTL time.Duration
	Currency string
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type RateLimitConfig struct {
	RecheckPerMinute int
	Burst            int
}

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := strings.ToLower(getenv("ENVIRONMENT", EnvDevelopment))
	persistToken := getenvBool("PAYLINK_PERSIST_TOKEN", false)
	// Paylink issues 30 minute tokens, or 30 hour tokens when persisted.
	defaultTTL := 30 * time.Minute
	if persistToken {
		defaultTTL = 30 * time.Hour
	}

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "playmaker"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   environment,
		HTTPPort:      getenv("HTTP_PORT", "8080"),
		NodeID:        int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer: getenv("AUTH_JWT_ISSUER", "playmaker"),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),
		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "playmaker"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Paylink: PaylinkConfig{
			BaseURL:        strings.TrimRight(getenv("PAYLINK_BASE_URL", "https://restpilot.paylink.sa"), "/"),
			APIID:          strings.TrimSpace(getenv("PAYLINK_API_ID", "")),
			SecretKey:      strings.TrimSpace(getenv("PAYLINK_SECRET_KEY", "")),
			PersistToken:   persistToken,
			TokenTTL:       getenvDuration("PAYLINK_TOKEN_TTL", defaultTTL),
			TokenMargin:    getenvDuration("PAYLINK_TOKEN_MARGIN", 2*time.Minute),
			RequestTimeout: getenvDuration("PAYLINK_REQUEST_TIMEOUT", 15*time.Second),
			WebhookHeader:  getenv("PAYLINK_WEBHOOK_HEADER", "Authorization"),
			WebhookSecret:  os.Getenv("PAYLINK_WEBHOOK_SECRET"),
			CallbackURL:    getenv("PAYLINK_CALLBACK_URL", "http://localhost:3000/payments/callback"),
			CancelURL:      getenv("PAYLINK_CANCEL_URL", "http://localhost:3000/payments/cancel"),
		},
		Invoice: InvoiceConfig{
			DraftTTL: getenvDuration("INVOICE_DRAFT_TTL", 72*time.Hour),
			Currency: strings.ToUpper(getenv("INVOICE_CURRENCY", "SAR")),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 5*time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			JobTimeout:  getenvDuration("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			LockTTL:     getenvDuration("SCHEDULER_LOCK_TTL", 4*time.Minute),
		},
		Email: EmailConfig{
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@playmaker.local"),
		},
		RateLimit: RateLimitConfig{
			RecheckPerMinute: getenvInt("RATE_LIMIT_RECHECK_PER_MINUTE", 12),
			Burst:            getenvInt("RATE_LIMIT_RECHECK_BURST", 4),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
