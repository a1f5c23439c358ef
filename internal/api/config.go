package api

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server settings. LoadConfig fills it from MEMO_SYNC_*
// environment variables; anything unset or malformed keeps its default.
type Config struct {
	ListenAddr      string        // MEMO_SYNC_LISTEN_ADDR, ":8080"
	DBPath          string        // MEMO_SYNC_DB_PATH, "./data/memo-sync.db"
	ShutdownTimeout time.Duration // MEMO_SYNC_SHUTDOWN_TIMEOUT, 30s
	LogFormat       string        // MEMO_SYNC_LOG_FORMAT, "json" or "text"
	LogLevel        string        // MEMO_SYNC_LOG_LEVEL, debug|info|warn|error

	// Requests per token per minute.
	RateLimitBatch int // MEMO_SYNC_RATE_LIMIT_BATCH, 120
	RateLimitOther int // MEMO_SYNC_RATE_LIMIT_OTHER, 300

	MaxBatch     int   // MEMO_SYNC_MAX_BATCH, changes per batch request, 500
	MaxBodyBytes int64 // MEMO_SYNC_MAX_BODY_BYTES, 10 MiB
}

// LoadConfig reads the environment over the defaults.
func LoadConfig() Config {
	return Config{
		ListenAddr:      stringEnv("MEMO_SYNC_LISTEN_ADDR", ":8080"),
		DBPath:          stringEnv("MEMO_SYNC_DB_PATH", "./data/memo-sync.db"),
		ShutdownTimeout: durationEnv("MEMO_SYNC_SHUTDOWN_TIMEOUT", 30*time.Second),
		LogFormat:       stringEnv("MEMO_SYNC_LOG_FORMAT", "json"),
		LogLevel:        stringEnv("MEMO_SYNC_LOG_LEVEL", "info"),
		RateLimitBatch:  positiveEnv("MEMO_SYNC_RATE_LIMIT_BATCH", 120),
		RateLimitOther:  positiveEnv("MEMO_SYNC_RATE_LIMIT_OTHER", 300),
		MaxBatch:        positiveEnv("MEMO_SYNC_MAX_BATCH", 500),
		MaxBodyBytes:    int64(positiveEnv("MEMO_SYNC_MAX_BODY_BYTES", 10<<20)),
	}
}

func stringEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func durationEnv(name string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(name)); err == nil && d > 0 {
		return d
	}
	return def
}

func positiveEnv(name string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(name)); err == nil && n > 0 {
		return n
	}
	return def
}
