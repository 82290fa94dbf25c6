// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the process needs at startup. Every field has a
// usable default except the external credentials.
type Config struct {
	Addr string

	PlatformBaseURL string
	PlatformAPIKey  string

	CompletionBaseURL string
	CompletionAPIKey  string
	CompletionModel   string

	DedupDSN    string
	SnapshotDSN string
	QueueDSN    string
	QueueSize   int

	PollInterval      time.Duration
	PageSize          int
	TrackedFields     []string
	AlertOnFirstSight bool

	GateStrategy string
	RulesPath    string

	WebhookSecret string
	MaxBodyBytes  int64

	LogLevel slog.Level
}

// Load reads the environment. A .env file in the working directory is
// merged in first without overriding already-set variables.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr: stringEnv("VIGIL_ADDR", ":8080"),

		PlatformBaseURL: stringEnv("VIGIL_PLATFORM_URL", "https://backend.composio.dev"),
		PlatformAPIKey:  os.Getenv("VIGIL_PLATFORM_API_KEY"),

		CompletionBaseURL: stringEnv("VIGIL_COMPLETION_URL", "https://openrouter.ai/api/v1"),
		CompletionAPIKey:  os.Getenv("VIGIL_COMPLETION_API_KEY"),
		CompletionModel:   stringEnv("VIGIL_COMPLETION_MODEL", "openai/gpt-4o-mini"),

		DedupDSN:    stringEnv("VIGIL_DEDUP_DSN", "file://data/seen_events.json"),
		SnapshotDSN: stringEnv("VIGIL_SNAPSHOT_DSN", "file://data/snapshots.json"),
		QueueDSN:    stringEnv("VIGIL_QUEUE_DSN", "memory://"),
		QueueSize:   intEnv("VIGIL_QUEUE_SIZE", 256),

		PollInterval:      durationEnv("VIGIL_POLL_INTERVAL", 2*time.Minute),
		PageSize:          intEnv("VIGIL_PAGE_SIZE", 100),
		TrackedFields:     listEnv("VIGIL_TRACKED_FIELDS", []string{"assignee", "priority", "status", "due_date"}),
		AlertOnFirstSight: boolEnv("VIGIL_ALERT_ON_FIRST_SIGHT", false),

		GateStrategy: strings.ToLower(stringEnv("VIGIL_GATE_STRATEGY", "rules")),
		RulesPath:    os.Getenv("VIGIL_RULES_PATH"),

		WebhookSecret: os.Getenv("VIGIL_WEBHOOK_SECRET"),
		MaxBodyBytes:  int64Env("VIGIL_MAX_BODY_BYTES", 1<<20),

		LogLevel: levelEnv("VIGIL_LOG_LEVEL", slog.LevelInfo),
	}
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}

func levelEnv(name string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "":
		return fallback
	default:
		slog.Warn("unknown log level env, using fallback", "name", name)
		return fallback
	}
}
