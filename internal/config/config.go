package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env string

	// gateway
	Port           int
	AllowedOrigins []string

	// command channel
	AuthHost    string
	AuthTCPPort int
	RPCTimeout  time.Duration

	// authd
	MetricsPort int
	DBURL       string
	Store       string // postgres (default) or memory for local runs

	// optional users-list cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTLPEndpoint string
}

func Load() Config {
	env := getEnv("APP_ENV", "dev")
	port := getEnvInt("PORT", 3000)

	return Config{
		Env:            env,
		Port:           port,
		AllowedOrigins: splitOrigins(getEnv("FRONT_END_URI", "")),
		AuthHost:       getEnv("AUTH_HOST", "127.0.0.1"),
		AuthTCPPort:    getEnvInt("AUTH_TCP_PORT", 3001),
		RPCTimeout:     time.Duration(getEnvInt("RPC_TIMEOUT_MS", 5000)) * time.Millisecond,
		MetricsPort:    getEnvInt("METRICS_PORT", 9091),
		DBURL:          buildDBURL(),
		Store:          getEnv("AUTH_STORE", "postgres"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// AuthAddr is the command channel dial/listen address.
func (c Config) AuthAddr() string {
	return fmt.Sprintf("%s:%d", c.AuthHost, c.AuthTCPPort)
}

func buildDBURL() string {
	// a full connection string wins over the assembled parts
	if url := getEnv("DATABASE_URL", ""); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "authhub")
	pass := getEnv("DB_PASSWORD", "authhub")
	name := getEnv("DB_NAME", "authhub")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			return fallback
		}

		return num
	}
	return fallback
}
