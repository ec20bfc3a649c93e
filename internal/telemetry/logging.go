package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/agentbus/internal/shared"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger builds the JSON logger every entry point shares. Entries always
// land in <home>/logs/system.jsonl; unless quiet they are mirrored to stderr
// so stdout stays reserved for command output. The returned closer owns the
// log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(handler).With("component", "bus"), file, nil
}

// scrubAttr renames the time key and masks credential-bearing attributes,
// both by key name and by value shape.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if sensitiveLogKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if v, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, v)
		}
	}
	return a
}

func sensitiveLogKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	if shared.RedactEnvValue(lower, "x") != "x" {
		return true
	}
	return strings.Contains(lower, "authorization") || strings.Contains(lower, "bearer")
}

func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Whole-value redaction when the string itself carries an auth header or
	// key material inline.
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if scrubbed := shared.Redact(v); scrubbed != v {
		return scrubbed, true
	}
	return v, false
}

// ParseLevel maps a config log_level string to a slog level, defaulting to
// info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
