// package config provides the environment-backed configuration used by the
// vaultd bootstrap (cmd/vaultd/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime config values used by main.go.
type Config struct {
	ListenAddr   string // VAULT_ADDR (default :8070)
	DatabaseURL  string // DATABASE_URL; empty falls back to the in-memory store (dev only)
	AuthSecret   string // VAULT_AUTH_SECRET; empty disables auth (dev only)
	KafkaBrokers []string // VAULT_KAFKA_BROKERS, comma separated
	KafkaTopic   string // VAULT_KAFKA_TOPIC (default vault.entries)
	S3Bucket     string // VAULT_S3_BUCKET; empty disables archival uploads
	S3Prefix     string // VAULT_S3_PREFIX

	RetentionDays     int           // VAULT_RETENTION_DAYS (default 2555 = 7 years)
	SweepInterval     time.Duration // VAULT_SWEEP_INTERVAL (default 1h)
	AppendMaxAttempts int           // VAULT_APPEND_MAX_ATTEMPTS (default 3)
}

// LoadFromEnv reads config values from environment variables.
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddr:  getEnv("VAULT_ADDR", ":8070"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		AuthSecret:  os.Getenv("VAULT_AUTH_SECRET"),
		KafkaTopic:  getEnv("VAULT_KAFKA_TOPIC", "vault.entries"),
		S3Bucket:    os.Getenv("VAULT_S3_BUCKET"),
		S3Prefix:    os.Getenv("VAULT_S3_PREFIX"),

		RetentionDays:     getInt("VAULT_RETENTION_DAYS", 7*365),
		SweepInterval:     getDuration("VAULT_SWEEP_INTERVAL", time.Hour),
		AppendMaxAttempts: getInt("VAULT_APPEND_MAX_ATTEMPTS", 3),
	}

	if v := strings.TrimSpace(os.Getenv("VAULT_KAFKA_BROKERS")); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
