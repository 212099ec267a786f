// Package logger provides structured logging for the ASAP protocol core.
// All packages in this module log through it for consistent output.
package logger

import (
	"log/slog"
	"os"
	"sync"
)

var (
	instance *slog.Logger
	once     sync.Once
)

// Config holds logger configuration.
type Config struct {
	Level     string `json:"level"`     // debug, info, warn, error
	Format    string `json:"format"`    // json, text
	AddSource bool   `json:"addSource"` // include source file/line
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:     getEnv("ASAP_LOG_LEVEL", "info"),
		Format:    getEnv("ASAP_LOG_FORMAT", "json"),
		AddSource: getEnv("ASAP_LOG_SOURCE", "false") == "true",
	}
}

// Init initializes the global logger.
func Init(cfg Config) {
	once.Do(func() {
		var level slog.Level
		switch cfg.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		}

		var handler slog.Handler
		if cfg.Format == "text" {
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stdout, opts)
		}

		instance = slog.New(handler)
		slog.SetDefault(instance)
	})
}

// Get returns the global logger instance.
func Get() *slog.Logger {
	if instance == nil {
		Init(DefaultConfig())
	}
	return instance
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// WithTraceID returns a logger with the envelope trace ID attached.
func WithTraceID(traceID string) *slog.Logger {
	return Get().With("trace_id", traceID)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
