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

	// PublicBaseURL is the externally reachable base of this service; providers
	// post their server-to-server callbacks below it.
	PublicBaseURL string

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
	DBAutoMigrate     bool

	// DBLogLevel is one of silent, error, warn or info.
	DBLogLevel           string
	DBSlowQueryThreshold time.Duration

	CredentialEncryptionKey string
	CredentialKeySecretID   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers      []string
	KafkaPaymentTopic string

	SnowflakeNode  int64
	AdapterTimeout time.Duration
	PaymentLockTTL time.Duration

	SchedulerEnabled    bool
	ExpirySweepInterval time.Duration

	RateLimit RateLimitConfig

	Observability ObservabilityConfig

	GatewayConfigPath string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:                 getenv("APP_SERVICE", "ticketpay"),
		AppVersion:              getenv("APP_VERSION", "0.1.0"),
		Environment:             getenv("ENVIRONMENT", "development"),
		HTTPAddr:                getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL:           strings.TrimRight(strings.TrimSpace(getenv("PUBLIC_BASE_URL", "http://localhost:8080")), "/"),
		DBType:                  getenv("DATABASE_TYPE", "postgres"),
		DBHost:                  getenv("DATABASE_HOST", "localhost"),
		DBPort:                  getenv("DATABASE_PORT", "5432"),
		DBName:                  getenv("DATABASE_NAME", "ticketpay"),
		DBUser:                  getenv("DATABASE_USER", "postgres"),
		DBPassword:              getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:               getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:           getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:           getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:       getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:       getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:           getenvBool("DATABASE_AUTO_MIGRATE", true),
		DBLogLevel:              getenv("DATABASE_LOG_LEVEL", "warn"),
		DBSlowQueryThreshold:    getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
		CredentialEncryptionKey: strings.TrimSpace(os.Getenv("CREDENTIAL_ENCRYPTION_KEY")),
		CredentialKeySecretID:   strings.TrimSpace(os.Getenv("CREDENTIAL_KEY_SECRET_ID")),
		RedisAddr:               strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 getenvInt("REDIS_DB", 0),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaPaymentTopic:       getenv("KAFKA_PAYMENT_TOPIC", "ticketpay.payment.status"),
		SnowflakeNode:           int64(getenvInt("SNOWFLAKE_NODE", 1)),
		AdapterTimeout:          getenvDuration("PAYMENT_ADAPTER_TIMEOUT", 15*time.Second),
		PaymentLockTTL:          getenvDuration("PAYMENT_LOCK_TTL", 10*time.Second),
		SchedulerEnabled:        getenvBool("SCHEDULER_ENABLED", true),
		ExpirySweepInterval:     getenvDuration("PAYMENT_EXPIRY_SWEEP_INTERVAL", time.Minute),
		GatewayConfigPath:       strings.TrimSpace(os.Getenv("GATEWAY_CONFIG_PATH")),
		RateLimit: RateLimitConfig{
			Enabled:            getenvBool("RATE_LIMIT_ENABLED", false),
			PaymentCreateRate:  getenvFloat("RATE_LIMIT_PAYMENT_CREATE_RATE", 5),
			PaymentCreateBurst: getenvInt("RATE_LIMIT_PAYMENT_CREATE_BURST", 20),
		},
		Observability: loadObservability(),
	}
}

// ObservabilityConfig carries the raw logging and tracing settings. The
// observability package normalizes them.
type ObservabilityConfig struct {
	DeploymentEnv     string
	ServiceVersion    string
	LogLevel          string
	LogFormat         string
	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

func loadObservability() ObservabilityConfig {
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}
	return ObservabilityConfig{
		DeploymentEnv:     strings.TrimSpace(os.Getenv("DEPLOYMENT_ENV")),
		ServiceVersion:    strings.TrimSpace(os.Getenv("SERVICE_VERSION")),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         strings.TrimSpace(os.Getenv("LOG_FORMAT")),
		OtelEnabled:       getenvBool("OTEL_ENABLED", false),
		OtelEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OtelProtocol:      protocol,
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

// RateLimitConfig throttles payment creation per organizer. It shares the
// redis connection settings with the payment lock.
type RateLimitConfig struct {
	Enabled            bool
	PaymentCreateRate  float64
	PaymentCreateBurst int
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
