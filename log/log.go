package log

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
)

const (
	ComponentKey = "component"
	ErrorKey     = "error"
	TopicKey     = "topic"
	EntityKey    = "entity"
)

// Error returns a slog.Attr for the provided error. The key will be ErrorKey.
func Error(e error) slog.Attr {
	return slog.Any(ErrorKey, e)
}

// Topic returns a slog.Attr for the provided mqtt topic. The key will be TopicKey.
func Topic(topic string) slog.Attr {
	return slog.String(TopicKey, topic)
}

// Entity returns a slog.Attr for the provided entity name. The key will be EntityKey.
func Entity(name string) slog.Attr {
	return slog.String(EntityKey, name)
}

// indirectHandler is a small wrapper around a slog.Handler that allows swapping out the underlying handler on demand.
// Loggers derived with WithAttrs or WithGroup replay those calls against whichever handler is current, so they keep
// following later calls to To.
type indirectHandler struct {
	h *atomic.Pointer[slog.Handler]

	derive []func(slog.Handler) slog.Handler
}

func (i *indirectHandler) resolve() slog.Handler {
	h := i.h.Load()
	if h == nil {
		return nil
	}

	resolved := *h
	for _, d := range i.derive {
		resolved = d(resolved)
	}

	return resolved
}

func (i *indirectHandler) with(d func(slog.Handler) slog.Handler) *indirectHandler {
	return &indirectHandler{
		h:      i.h,
		derive: append(slices.Clip(i.derive), d),
	}
}

func (i *indirectHandler) Enabled(ctx context.Context, level slog.Level) bool {
	h := i.resolve()
	if h == nil {
		return false
	}

	return h.Enabled(ctx, level)
}

func (i *indirectHandler) Handle(ctx context.Context, record slog.Record) error {
	h := i.resolve()
	if h == nil {
		return nil
	}

	return h.Handle(ctx, record)
}

func (i *indirectHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return i.with(func(h slog.Handler) slog.Handler {
		return h.WithAttrs(attrs)
	})
}

func (i *indirectHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return i
	}

	return i.with(func(h slog.Handler) slog.Handler {
		return h.WithGroup(name)
	})
}

var _ slog.Handler = &indirectHandler{}

var (
	sink = &indirectHandler{h: &atomic.Pointer[slog.Handler]{}}
)

// To updates all slog.Logger objects used internally by hqttd to write logs to the provided slog.Handler. By default,
// log values will be discarded unless To is called at least once with a non-discarding slog.Handler.
func To(h slog.Handler) {
	sink.h.Store(&h)
}

// Configure builds a slog.Handler writing to w and installs it with To. Format is "json" or "text" (the default), and
// level is one of debug, info, warn or error (defaulting to info).
func Configure(level, format string, w io.Writer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	To(h)
}

// ParseLevel converts a level name to a slog.Level, defaulting to slog.LevelInfo for unknown names.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ForComponent constructs a slog.Logger for the specified component (which is stored in an attribute with the key
// ComponentKey).
func ForComponent(component string) *slog.Logger {
	return slog.New(sink).With(slog.String(ComponentKey, component))
}
