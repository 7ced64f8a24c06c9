package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	postgres "github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/storage/postgres"
)

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	PayPal      PayPalConfig
	Supabase    SupabaseConfig
	Store       StoreConfig
	Database    postgres.DatabaseConfig
	Kafka       KafkaConfig
	Restate     RestateConfig
	Email       EmailConfig
	Telemetry   TelemetryConfig
}

type HTTPConfig struct {
	Addr   string
	WebDir string
}

type PayPalConfig struct {
	ClientID      string
	Secret        string
	APIBase       string
	WebhookID     string
	VerifyWebhook bool
	CacheToken    bool
	Timeout       time.Duration
}

type SupabaseConfig struct {
	URL               string
	ServiceKey        string
	ReservationsTable string
}

// StoreConfig selects where reservation confirmations are written.
type StoreConfig struct {
	Backend      string
	RequireMatch bool
	// IdempotencyLease is how long an unfinished confirmation claim blocks redeliveries.
	IdempotencyLease time.Duration
}

type KafkaConfig struct {
	Brokers           []string
	ReservationsTopic string
	EmailGroup        string
}

type RestateConfig struct {
	ListenAddr    string
	RuntimeURL    string
	Confirmations bool
}

// EmailConfig drives the e-mail worker. An empty SMTPHost logs messages
// instead of sending them.
type EmailConfig struct {
	DemoRecipient string
	SMTPHost      string
	SMTPPort      string
	SMTPFrom      string
	SMTPUsername  string
	SMTPPassword  string
}

type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

const (
	StoreBackendSupabase = "supabase"
	StoreBackendPostgres = "postgres"
)

// Load reads configuration from environment variables, applying sensible
// defaults, and validates it for the webhook server.
func Load() (Config, error) {
	cfg, err := load()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEmailWorker reads the same environment as Load without the checks that
// only concern the webhook server, such as PAYPAL_WEBHOOK_ID.
func LoadEmailWorker() (Config, error) {
	return load()
}

func load() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "hotel-booking-relay"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:   getEnv("HTTP_LISTEN_ADDR", ":"+getEnv("PORT", "3000")),
			WebDir: getEnv("WEB_DIR", "dist"),
		},
		PayPal: PayPalConfig{
			ClientID:  os.Getenv("PAYPAL_CLIENT_ID"),
			Secret:    os.Getenv("PAYPAL_SECRET"),
			APIBase:   strings.TrimRight(getEnv("PAYPAL_API_BASE", "https://api-m.sandbox.paypal.com"), "/"),
			WebhookID: os.Getenv("PAYPAL_WEBHOOK_ID"),
		},
		Supabase: SupabaseConfig{
			URL:               strings.TrimRight(getEnv("SUPABASE_URL", os.Getenv("VITE_SUPABASE_URL")), "/"),
			ServiceKey:        os.Getenv("SUPABASE_SERVICE_KEY"),
			ReservationsTable: getEnv("SUPABASE_RESERVATIONS_TABLE", "reservations"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("RESERVATION_STORE", StoreBackendSupabase)),
		},
		Kafka: KafkaConfig{
			Brokers:           splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			ReservationsTopic: getEnv("KAFKA_RESERVATIONS_TOPIC", "reservations.v1"),
			EmailGroup:        getEnv("KAFKA_EMAIL_GROUP_ID", "email-workers"),
		},
		Restate: RestateConfig{
			ListenAddr: getEnv("RESTATE_LISTEN_ADDR", ":9081"),
			RuntimeURL: strings.TrimRight(getEnv("RESTATE_RUNTIME_URL", "http://127.0.0.1:8080"), "/"),
		},
		Email: EmailConfig{
			DemoRecipient: getEnv("DEMO_TO_EMAIL", "test@example.local"),
			SMTPHost:      os.Getenv("SMTP_HOST"),
			SMTPPort:      getEnv("SMTP_PORT", "1025"),
			SMTPFrom:      getEnv("SMTP_FROM", "no-reply@hotel-booking.local"),
			SMTPUsername:  os.Getenv("SMTP_USERNAME"),
			SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
		},
		Telemetry: TelemetryConfig{
			Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
		},
	}

	var err error
	if cfg.PayPal.VerifyWebhook, err = getBool("PAYPAL_WEBHOOK_VERIFY", true); err != nil {
		return Config{}, err
	}
	if cfg.PayPal.CacheToken, err = getBool("PAYPAL_TOKEN_CACHE", true); err != nil {
		return Config{}, err
	}
	if cfg.PayPal.Timeout, err = getDuration("PAYPAL_HTTP_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Store.RequireMatch, err = getBool("RESERVATION_REQUIRE_MATCH", false); err != nil {
		return Config{}, err
	}
	if cfg.Store.IdempotencyLease, err = getDuration("IDEMPOTENCY_LEASE", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Restate.Confirmations, err = getBool("RESTATE_CONFIRMATIONS", false); err != nil {
		return Config{}, err
	}

	if cfg.Telemetry.Enabled, err = getBool("OTEL_ENABLED", true); err != nil {
		return Config{}, err
	}
	if raw := getEnv("OTEL_TRACES_SAMPLER_ARG", ""); raw != "" {
		if cfg.Telemetry.SampleRatio, err = strconv.ParseFloat(raw, 64); err != nil {
			return Config{}, fmt.Errorf("parse OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
	}

	portStr := getEnv("BOOKING_DB_PORT", "5432")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Config{}, fmt.Errorf("parse BOOKING_DB_PORT: %w", err)
	}

	cfg.Database = postgres.DatabaseConfig{
		Host:     getEnv("BOOKING_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("BOOKING_DB_NAME", "hotelbooking"),
		User:     getEnv("BOOKING_DB_USER", "hotelbooking"),
		Password: getEnv("BOOKING_DB_PASSWORD", ""),
		SSLMode:  getEnv("BOOKING_DB_SSLMODE", "disable"),
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PayPal.VerifyWebhook && c.PayPal.WebhookID == "" {
		return errors.New("PAYPAL_WEBHOOK_ID is required while PAYPAL_WEBHOOK_VERIFY is enabled")
	}
	switch c.Store.Backend {
	case StoreBackendSupabase, StoreBackendPostgres:
	default:
		return fmt.Errorf("unknown RESERVATION_STORE %q", c.Store.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
