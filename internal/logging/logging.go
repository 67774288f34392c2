package logging

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyAttempt    = "attempt"
	KeyKind       = "kind"
	KeyState      = "state"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
	KeyURL        = "url"
)

// swapHandler forwards to whichever base handler Init last installed, so
// package-level loggers built at import time follow later configuration.
// attrs and groups are replayed onto the base handler on every call.
type swapHandler struct {
	base   *atomic.Pointer[slog.Handler]
	attrs  []slog.Attr
	groups []string
}

func newSwapHandler(h slog.Handler) *swapHandler {
	p := new(atomic.Pointer[slog.Handler])
	p.Store(&h)
	return &swapHandler{base: p}
}

func (h *swapHandler) swap(next slog.Handler) { h.base.Store(&next) }

func (h *swapHandler) resolve() slog.Handler {
	out := *h.base.Load()
	for _, g := range h.groups {
		out = out.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		out = out.WithAttrs(h.attrs)
	}
	return out
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &swapHandler{
		base:   h.base,
		attrs:  append(slices.Clip(h.attrs), attrs...),
		groups: slices.Clip(h.groups),
	}
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	return &swapHandler{
		base:   h.base,
		attrs:  slices.Clip(h.attrs),
		groups: append(slices.Clip(h.groups), name),
	}
}

var (
	rootHandler   = newSwapHandler(newBaseHandler("text", slog.LevelInfo, os.Stdout))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init installs the configured handler. format is "json" or "text"; level
// is one of debug, info, warn or error. A nil output means stdout.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	rootHandler.swap(newBaseHandler(format, parseLevel(level), output))
	defaultLogger = slog.New(rootHandler)
	slog.SetDefault(defaultLogger)
}

func newBaseHandler(format string, level slog.Level, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactURL,
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

// redactURL strips query strings and user info from url attributes. Artifact
// links are frequently pre-signed and the signature must not reach log files.
func redactURL(_ []string, a slog.Attr) slog.Attr {
	if a.Key != KeyURL || a.Value.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, RedactURL(a.Value.String()))
}

// RedactURL removes credentials and query parameters from raw.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return slog.New(rootHandler).With(slog.String(KeyComponent, component))
}

// WithAttempt returns a child logger with attempt correlation fields attached.
func WithAttempt(logger *slog.Logger, attempt uint64, kind string) *slog.Logger {
	return logger.With(
		slog.Uint64(KeyAttempt, attempt),
		slog.String(KeyKind, kind),
	)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
