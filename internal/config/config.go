package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	Vault     VaultConfig
	Payment   PaymentConfig
	Hosting   HostingConfig
	Messaging MessagingConfig
	Lifecycle LifecycleConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	ReplayTTLMinutes int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level  string
	Format string
}

// AuthConfig defines bot API token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// VaultConfig holds the credential encryption key (64 hex chars).
type VaultConfig struct {
	EncryptionKey string
}

// PaymentConfig holds gateway credentials and the public callback base.
type PaymentConfig struct {
	PublicURL              string
	MercadoPagoAccessToken string
	MercadoPagoBaseURL     string
	PushinPayAPIKey        string
	PushinPayBaseURL       string
	TimeoutSeconds         int
}

// HostingConfig points at the hosting API.
type HostingConfig struct {
	BaseURL        string
	ManifestNames  []string
	MaxUploadBytes int64
	TimeoutSeconds int
}

// MessagingConfig points at the chat platform REST API.
type MessagingConfig struct {
	BotToken string
	BaseURL  string
	BotID    string
}

// LifecycleConfig tunes ticket timers and background workers.
type LifecycleConfig struct {
	ChannelTeardownDelay time.Duration
	TicketTTL            time.Duration
	DeployStaleAfter     time.Duration
	SweepInterval        time.Duration
	SweepBatchSize       int
	DeployWorkers        int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "deploy-ticket-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("PORT", "3000"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:             getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:         os.Getenv("REDIS_PASSWORD"),
			DB:               redisDB,
			ReplayTTLMinutes: getEnvAsInt("REDIS_REPLAY_TTL_MINUTES", 24*60),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60*24*30),
		},
		Vault: VaultConfig{
			EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		},
		Payment: PaymentConfig{
			PublicURL:              strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:3000"), "/"),
			MercadoPagoAccessToken: os.Getenv("MERCADO_PAGO_ACCESS_TOKEN"),
			MercadoPagoBaseURL:     getEnv("MERCADO_PAGO_BASE_URL", "https://api.mercadopago.com"),
			PushinPayAPIKey:        os.Getenv("PUSHINPAY_API_KEY"),
			PushinPayBaseURL:       getEnv("PUSHINPAY_BASE_URL", "https://api.pushinpay.com.br"),
			TimeoutSeconds:         getEnvAsInt("PAYMENT_TIMEOUT_SECONDS", 15),
		},
		Hosting: HostingConfig{
			BaseURL:        getEnv("HOSTING_BASE_URL", "https://api.squarecloud.app"),
			ManifestNames:  getEnvAsList("HOSTING_MANIFEST_NAMES", []string{"squarecloud.app", "squarecloud.config"}),
			MaxUploadBytes: int64(getEnvAsInt("HOSTING_MAX_UPLOAD_BYTES", 100<<20)),
			TimeoutSeconds: getEnvAsInt("HOSTING_TIMEOUT_SECONDS", 60),
		},
		Messaging: MessagingConfig{
			BotToken: os.Getenv("DISCORD_TOKEN"),
			BaseURL:  getEnv("DISCORD_BASE_URL", "https://discord.com/api/v10"),
			BotID:    os.Getenv("DISCORD_BOT_ID"),
		},
		Lifecycle: LifecycleConfig{
			ChannelTeardownDelay: getEnvAsDuration("TICKET_CLOSE_DELAY", 5*time.Minute),
			TicketTTL:            getEnvAsDuration("TICKET_TTL", 24*time.Hour),
			DeployStaleAfter:     getEnvAsDuration("DEPLOY_STALE_AFTER", 15*time.Minute),
			SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second),
			SweepBatchSize:       getEnvAsInt("SWEEP_BATCH_SIZE", 50),
			DeployWorkers:        getEnvAsInt("DEPLOY_WORKERS", 4),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// ReplayTTL returns how long webhook replay markers live.
func (r RedisConfig) ReplayTTL() time.Duration {
	return time.Duration(r.ReplayTTLMinutes) * time.Minute
}

// WebhookURL builds the public callback URL for a provider route.
func (p PaymentConfig) WebhookURL(route string) string {
	return p.PublicURL + "/webhook/" + route
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
