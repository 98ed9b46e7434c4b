package privacylog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

const shortIDLen = 8

var (
	// Identifier attributes are shortened, never dropped, so operators can still
	// correlate peers across log lines.
	shortenedIDKeys = map[string]struct{}{
		"peer_id":          {},
		"did":              {},
		"sender_id":        {},
		"recipient_id":     {},
		"owner_id":         {},
		"guardian_id":      {},
		"target_id":        {},
		"previous_peer_id": {},
	}
	// Every ed25519 did:key and legacy peer id shares these leading bytes.
	commonIDPrefixes  = []string{"did:key:z6Mk", "did:key:", "12D3KooW"}
	sensitiveKeyParts = []string{"secret", "share", "mnemonic", "passphrase", "password", "token", "signature", "authorization"}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(out)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	switch {
	case isSensitiveKey(lowerKey):
		return slog.String(key, redactedValue)
	case isShortenedKey(lowerKey):
		return slog.String(key, ShortID(valueToString(attr.Value)))
	case attr.Value.Kind() == slog.KindGroup:
		group := attr.Value.Group()
		sanitized := make([]any, 0, len(group))
		for _, inner := range group {
			sanitized = append(sanitized, SanitizeAttr(inner))
		}
		return slog.Group(key, sanitized...)
	default:
		return attr
	}
}

// ShortID keeps the first distinguishing characters of an identifier for log
// correlation.
func ShortID(value string) string {
	trimmed := strings.TrimSpace(value)
	for _, prefix := range commonIDPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimPrefix(trimmed, prefix)
			break
		}
	}
	if len(trimmed) <= shortIDLen {
		return trimmed
	}
	return trimmed[:shortIDLen] + "..."
}

func isShortenedKey(key string) bool {
	_, ok := shortenedIDKeys[key]
	return ok
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}
