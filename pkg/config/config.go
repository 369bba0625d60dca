// Package config loads client configuration from environment variables and
// from YAML profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds environment-driven client configuration.
type Config struct {
	Environment string
	LogLevel    string

	CertFile       string
	KeyFile        string
	PKCS12File     string
	PKCS12Pass     string
	RequestTimeout time.Duration

	MaxConcurrency int
	QueueTimeout   time.Duration
	MaxRetries     int

	// StateDSN points the chain state store at its backend, either a
	// SQLite file path or a postgres:// URL.
	StateDSN string
}

// Load reads configuration from VERIFACTU_* environment variables, applying
// defaults where unset.
func Load() *Config {
	env := os.Getenv("VERIFACTU_ENV")
	if env == "" {
		env = "sandbox"
	}

	logLevel := os.Getenv("VERIFACTU_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		Environment:    env,
		LogLevel:       logLevel,
		CertFile:       os.Getenv("VERIFACTU_CERT_FILE"),
		KeyFile:        os.Getenv("VERIFACTU_KEY_FILE"),
		PKCS12File:     os.Getenv("VERIFACTU_P12_FILE"),
		PKCS12Pass:     os.Getenv("VERIFACTU_P12_PASSWORD"),
		RequestTimeout: envDuration("VERIFACTU_REQUEST_TIMEOUT", 30*time.Second),
		MaxConcurrency: envInt("VERIFACTU_MAX_CONCURRENCY", 10),
		QueueTimeout:   envDuration("VERIFACTU_QUEUE_TIMEOUT", 30*time.Second),
		MaxRetries:     envInt("VERIFACTU_MAX_RETRIES", 3),
		StateDSN:       os.Getenv("VERIFACTU_STATE_DSN"),
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
