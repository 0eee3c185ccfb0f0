package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Store backend: "rest" (PostgREST) or "postgres" (direct connection)
	StoreBackend string

	// PostgREST backend
	RestStoreURL        string
	RestStoreAnonKey    string
	RestStoreServiceKey string

	// Direct Postgres backend
	PostgresDSN string

	// Payment provider
	ProviderAPIURL string
	ProviderAPIKey string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// JWT / Auth
	JWTSecret string

	// Checkout engine cadences
	PixPollInterval  time.Duration
	CardPollInterval time.Duration
	DiscountDebounce time.Duration
	PollTimeout      time.Duration

	// Tenant billing
	PixKey          string
	PixKeyType      string
	MerchantName    string
	MerchantCity    string
	TerminalEnabled bool
	ReceiptMode     string // auto | manual

	// Twilio (WhatsApp receipts)
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioWhatsAppFrom string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend: getEnv("STORE_BACKEND", "rest"),

		RestStoreURL:        getEnv("REST_STORE_URL", ""),
		RestStoreAnonKey:    getEnv("REST_STORE_ANON_KEY", ""),
		RestStoreServiceKey: getEnv("REST_STORE_SERVICE_ROLE_KEY", ""),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		ProviderAPIURL: getEnv("PROVIDER_API_URL", "http://localhost:8091"),
		ProviderAPIKey: getEnv("PROVIDER_API_KEY", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		JWTSecret: getEnv("JWT_SECRET", "atende-default-dev-secret-change-me"),

		PixPollInterval:  getEnvDuration("PIX_POLL_INTERVAL", 4*time.Second),
		CardPollInterval: getEnvDuration("CARD_POLL_INTERVAL", 3500*time.Millisecond),
		DiscountDebounce: getEnvDuration("DISCOUNT_DEBOUNCE", 350*time.Millisecond),
		PollTimeout:      getEnvDuration("POLL_TIMEOUT", 5*time.Second),

		PixKey:          getEnv("PIX_KEY", ""),
		PixKeyType:      getEnv("PIX_KEY_TYPE", "random"),
		MerchantName:    getEnv("MERCHANT_NAME", ""),
		MerchantCity:    getEnv("MERCHANT_CITY", ""),
		TerminalEnabled: getEnv("TERMINAL_ENABLED", "false") == "true",
		ReceiptMode:     getEnv("RECEIPT_MODE", "manual"),

		TwilioAccountSID:   getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWhatsAppFrom: getEnv("TWILIO_WHATSAPP_FROM", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
