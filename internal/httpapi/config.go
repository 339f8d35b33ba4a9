package httpapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the sync daemon's configuration, loaded from environment
// variables per spec.md §6.
type Config struct {
	ListenAddr      string
	DatabaseURL     string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	ReplicationSlotName   string
	ReplicationPublication string

	CatchupChunkSize       int
	HeartbeatInterval      time.Duration
	AckTimeout             time.Duration
	OutboundQueueDepth     int
	BackpressureTimeout    time.Duration
	SubmitRateLimitPerMin  int

	CORSAllowedOrigins []string // allowed origins for /healthz,/metricz; empty = disabled
}

// LoadConfig reads configuration from environment variables with the
// defaults spec.md §6 specifies.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DatabaseURL:     "postgres://localhost:5432/vibestack?sslmode=disable",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		ReplicationSlotName:    "vibestack_replication",
		ReplicationPublication: "vibestack_publication",

		CatchupChunkSize:      500,
		HeartbeatInterval:     10 * time.Second,
		AckTimeout:            10 * time.Second,
		OutboundQueueDepth:    256,
		BackpressureTimeout:   30 * time.Second,
		SubmitRateLimitPerMin: 300,
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ShutdownTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPLICATION_SLOT_NAME"); v != "" {
		cfg.ReplicationSlotName = v
	}
	if v := os.Getenv("REPLICATION_PUBLICATION"); v != "" {
		cfg.ReplicationPublication = v
	}

	if v := os.Getenv("CATCHUP_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CatchupChunkSize = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ACK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AckTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("OUTBOUND_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OutboundQueueDepth = n
		}
	}
	if v := os.Getenv("BACKPRESSURE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BackpressureTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SUBMIT_RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SubmitRateLimitPerMin = n
		}
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}
