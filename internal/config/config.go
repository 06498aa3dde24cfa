package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port          int
	DatabaseURL   string
	NatsURL       string
	NatsToken     string
	SandboxAPIURL string
	SandboxToken  string
	LogLevel      string
	APIToken      string
}

func Load() Config {
	return Config{
		Port:          envInt("MOORING_PORT", 8810),
		DatabaseURL:   envStr("DATABASE_URL", ""),
		NatsURL:       envStr("NATS_URL", ""),
		NatsToken:     envStr("NATS_TOKEN", ""),
		SandboxAPIURL: envStr("SANDBOX_API_URL", ""),
		SandboxToken:  envStr("SANDBOX_API_TOKEN", ""),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		APIToken:      envStr("MOORING_API_TOKEN", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
