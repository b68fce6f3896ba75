package logger

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// RedactingHandler masks sensitive log attributes.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

// NewRedactingHandler wraps handler with redaction of sensitive fields.
func NewRedactingHandler(inner slog.Handler, sensitive []string) *RedactingHandler {
	m := make(map[string]struct{}, len(sensitive))
	for _, k := range sensitive {
		m[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: m}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool { attrs = append(attrs, a); return true })
	nr.AddAttrs(h.sanitize(attrs...)...)
	return h.inner.Handle(ctx, nr)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithAttrs(h.sanitize(attrs...)), keys: h.keys}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *RedactingHandler) sanitize(attrs ...slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
			out = append(out, slog.String(a.Key, redacted))
			continue
		}

		v := a.Value.Resolve()
		switch v.Kind() {
		case slog.KindGroup:
			out = append(out, slog.Attr{Key: a.Key, Value: slog.GroupValue(h.sanitize(v.Group()...)...)})
		case slog.KindString:
			out = append(out, slog.String(a.Key, scrub(v.String())))
		default:
			out = append(out, a)
		}
	}
	return out
}

// scrub hides tokens and the password part of URLs.
func scrub(s string) string {
	if looksSensitive(s) {
		return redacted
	}
	if strings.Contains(s, "://") && strings.Contains(s, "@") {
		if u, err := url.Parse(s); err == nil && u.User != nil {
			if _, has := u.User.Password(); has {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
				return u.String()
			}
		}
	}
	return s
}

func looksSensitive(s string) bool {
	if len(s) > 12 && (strings.Contains(s, "sk-") || strings.Contains(strings.ToLower(s), "token")) {
		return true
	}
	return strings.HasPrefix(strings.ToLower(s), "bearer ")
}
