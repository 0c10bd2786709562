// Package log builds the structured JSON logger shared by all components.
// Values that look like credentials are redacted before they are written.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var nameToLevel = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	if l, ok := nameToLevel[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return slog.LevelInfo
}

// New returns a JSON logger writing to out (stderr when nil).
func New(out io.Writer, level string) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: maskAttr,
	})
	return slog.New(h)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1000)}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

var secretKeys = []string{"key", "token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

// maskAttr redacts likely secret values.
func maskAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	lowerK := strings.ToLower(a.Key)
	for _, p := range secretKeys {
		if strings.Contains(lowerK, p) {
			return slog.String(a.Key, redact(s))
		}
	}
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		parts := strings.SplitN(s, " ", 2)
		if len(parts) == 2 {
			return slog.String(a.Key, "Bearer "+redact(parts[1]))
		}
	}
	if strings.HasPrefix(s, "sk-") || looksSecret(s) {
		return slog.String(a.Key, redact(s))
	}
	return a
}

// ids, paths and messages contain separators; long unbroken tokens do not
var secretLike = regexp.MustCompile(`^[A-Za-z0-9_\-]{32,}$`)

func looksSecret(s string) bool { return secretLike.MatchString(s) }

func redact(s string) string {
	n := len(s)
	if n <= 8 {
		return "***"
	}
	head, tail := s[:4], s[n-4:]
	return fmt.Sprintf("%s***%s", head, tail)
}
