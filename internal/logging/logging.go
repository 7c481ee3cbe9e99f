package logging

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestEntry holds all fields for an engine request log line.
type RequestEntry struct {
	TraceID      string
	ClientIP     string
	Method       string
	URL          string
	EffectiveURL string
	Reason       string
	State        string
	Upstream     string
	StatusCode   int
	Duration     time.Duration
	BytesSent    int64
}

// LogRequest logs a classified request with structured fields.
func LogRequest(logger *slog.Logger, e RequestEntry) {
	logger.Info("prerender request",
		"trace_id", e.TraceID,
		"client_ip", e.ClientIP,
		"method", e.Method,
		"url", e.URL,
		"effective_url", e.EffectiveURL,
		"reason", e.Reason,
		"state", e.State,
		"upstream", e.Upstream,
		"status_code", e.StatusCode,
		"duration_ms", e.Duration.Milliseconds(),
		"bytes_sent", e.BytesSent,
	)
}

// Options selects the logger sinks.
type Options struct {
	Level  string
	Format string // "json" or "text"
	// File enables a rotating log file in addition to stderr.
	File string
	// Syslog sends records to the local syslog daemon instead of stderr.
	Syslog bool
}

// New builds a logger from opts. When syslog is requested but unavailable
// the logger falls back to stderr and the returned error reports why.
func New(opts Options) (*slog.Logger, error) {
	var (
		out     io.Writer = os.Stderr
		initErr error
	)
	if opts.Syslog {
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "prerender-proxy")
		if err != nil {
			initErr = fmt.Errorf("syslog unavailable, logging to stderr: %w", err)
		} else {
			out = w
		}
	}
	if opts.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     7, // days
			Compress:   true,
		})
	}
	return slog.New(NewHandler(out, opts.Format, ParseLevel(opts.Level))), initErr
}

// NewHandler returns a JSON handler unless format is "text".
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	ho := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, ho)
	}
	return slog.NewJSONHandler(w, ho)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
