package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Issuer string // Required: issuer claim for tokens and the TOTP issuer label

	SigningKeyFile string // Optional: path to an Ed25519 PKCS8 PEM; empty generates an ephemeral key
	SigningKeyID   string // Optional: kid header on issued tokens (default: gatehouse-1)

	DatabaseFile string // Optional: path to SQLite database file (default: ./gatehouse.db)
	PepperFile   string // Optional: path to the password-hash pepper file (default: ./pepper)

	RedisAddr     string // Optional: redis address; empty uses the in-process cache
	RedisPassword string // Optional
	RedisDB       int    // Optional

	RPID          string   // Required for WebAuthn: relying party ID (e.g. id.example.com)
	RPDisplayName string   // Optional: shown by authenticator UIs (default: Issuer)
	RPOrigins     []string // Required for WebAuthn: allowed web origins

	SMTPHost     string // Optional: empty logs mail instead of sending it
	SMTPPort     int    // Optional (default: 587)
	SMTPUsername string // Optional
	SMTPPassword string // Optional
	SMTPFrom     string // Optional: From address for transactional mail

	LockoutDuration time.Duration // Optional: lockout length after repeated failures (default: 15m; negative locks until reset)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:         getEnvOrDefault("GATEHOUSE_ISSUER", "gatehouse"),
		SigningKeyFile: os.Getenv("GATEHOUSE_SIGNING_KEY_FILE"),
		SigningKeyID:   getEnvOrDefault("GATEHOUSE_SIGNING_KEY_ID", "gatehouse-1"),
		DatabaseFile:   getEnvOrDefault("GATEHOUSE_DATABASE_FILE", "gatehouse.db"),
		PepperFile:     getEnvOrDefault("GATEHOUSE_PEPPER_FILE", "pepper"),

		RedisAddr:     os.Getenv("GATEHOUSE_REDIS_ADDR"),
		RedisPassword: os.Getenv("GATEHOUSE_REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("GATEHOUSE_REDIS_DB", 0),

		RPID:          os.Getenv("GATEHOUSE_RP_ID"),
		RPDisplayName: os.Getenv("GATEHOUSE_RP_DISPLAY_NAME"),
		RPOrigins:     splitList(os.Getenv("GATEHOUSE_RP_ORIGINS")),

		SMTPHost:     os.Getenv("GATEHOUSE_SMTP_HOST"),
		SMTPPort:     getEnvIntOrDefault("GATEHOUSE_SMTP_PORT", 587),
		SMTPUsername: os.Getenv("GATEHOUSE_SMTP_USERNAME"),
		SMTPPassword: os.Getenv("GATEHOUSE_SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("GATEHOUSE_SMTP_FROM"),

		LockoutDuration: getEnvDurationOrDefault("GATEHOUSE_LOCKOUT_DURATION", 0),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = cfg.Issuer
	}

	return cfg
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are read as minutes.
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
