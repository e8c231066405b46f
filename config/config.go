package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	LogDir      string

	// EnrollmentSecret verifies product_user_subscribed and payment_accepted.
	EnrollmentSecret string
	RequireSignature bool
	SecretCacheTTL   time.Duration

	TelegramBotToken string
	NotifyTimeout    time.Duration
	NotifyQueueSize  int

	JWTSecret         string
	GoogleCredentials string
	GoogleSheetID     string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		LogDir:            getEnv("LOG_DIR", ""),
		EnrollmentSecret:  getEnv("WEBHOOK_SECRET_ENROLLMENT", ""),
		RequireSignature:  parseBool(getEnv("WEBHOOK_REQUIRE_SIGNATURE", ""), false),
		SecretCacheTTL:    parseDuration(getEnv("SECRET_CACHE_TTL", ""), time.Minute),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		NotifyTimeout:     parseDuration(getEnv("NOTIFY_TIMEOUT", ""), 10*time.Second),
		NotifyQueueSize:   parseInt(getEnv("NOTIFY_QUEUE_SIZE", ""), 256),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		GoogleCredentials: getEnv("GOOGLE_CREDENTIALS_FILE", ""),
		GoogleSheetID:     getEnv("GOOGLE_SHEET_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("NOTIFY_TIMEOUT must be positive"))
	}
	if c.NotifyQueueSize <= 0 {
		errs = append(errs, errors.New("NOTIFY_QUEUE_SIZE must be positive"))
	}
	if c.SecretCacheTTL < 0 {
		errs = append(errs, errors.New("SECRET_CACHE_TTL must not be negative"))
	}
	if (c.GoogleCredentials == "") != (c.GoogleSheetID == "") {
		errs = append(errs, errors.New("GOOGLE_CREDENTIALS_FILE and GOOGLE_SHEET_ID must be set together"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	if val, err := strconv.Atoi(s); err == nil {
		return val
	}
	return fallback
}

func parseBool(s string, fallback bool) bool {
	if val, err := strconv.ParseBool(s); err == nil {
		return val
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if val, err := time.ParseDuration(s); err == nil {
		return val
	}
	return fallback
}
