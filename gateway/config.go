package main

import (
	"os"
	"strconv"
	"time"
)

// Config carries everything the gateway needs, loaded once in main and
// passed explicitly into each component's constructor.
type Config struct {
	ListenAddr string

	NatsURL  string
	NatsUser string
	NatsPass string

	JWKSURL   string
	JWTIssuer string

	PresenceTTL   time.Duration
	ReadTimeout   time.Duration
	CallTimeout   time.Duration
	SendQueueSize int
}

func loadConfig() Config {
	return Config{
		ListenAddr:    envOrDefault("LISTEN_ADDR", ":8090"),
		NatsURL:       envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser:      envOrDefault("NATS_USER", "gateway"),
		NatsPass:      envOrDefault("NATS_PASS", "gateway-secret"),
		JWKSURL:       envOrDefault("JWKS_URL", "http://localhost:8080/realms/social/protocol/openid-connect/certs"),
		JWTIssuer:     envOrDefault("JWT_ISSUER", "http://localhost:8080/realms/social"),
		PresenceTTL:   envDurationOrDefault("PRESENCE_TTL", 45*time.Second),
		ReadTimeout:   envDurationOrDefault("READ_TIMEOUT", 90*time.Second),
		CallTimeout:   envDurationOrDefault("CALL_TIMEOUT", 5*time.Second),
		SendQueueSize: envIntOrDefault("SEND_QUEUE_SIZE", 256),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
