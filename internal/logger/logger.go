package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Sink receives formatted log lines in addition to the writer outputs.
// The session owner registers a ring sink so diagnostics stay available
// for display after the fact.
type Sink interface {
	Write(level slog.Level, message string)
}

var (
	globalLevel = slog.LevelDebug
	sinks       []Sink
	handlerMu   sync.RWMutex
)

// SetLevel sets the global log level.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMu.Lock()
	defer handlerMu.Unlock()
	globalLevel = level
}

// ParseLevel parses a string to an slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AddSink registers an additional log sink (e.g. the diagnostic ring).
// All registered sinks receive every line that passes the level filter.
func AddSink(s Sink) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	sinks = append(sinks, s)
}

// customHandler supports multiple outputs with level filtering.
type customHandler struct {
	outs []io.Writer
	mu   sync.Mutex
}

// Handle implements slog.Handler.
func (h *customHandler) Handle(ctx context.Context, record slog.Record) error {
	handlerMu.RLock()
	if record.Level < globalLevel {
		handlerMu.RUnlock()
		return nil
	}
	handlerMu.RUnlock()

	timestamp := record.Time.Format("15:04:05")
	levelStr := record.Level.String()
	message := record.Message

	var attrs []string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key != "time" && a.Key != "level" && a.Key != "msg" {
			attrs = append(attrs, a.Key+"="+a.Value.String())
		}
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	h.mu.Lock()
	if len(h.outs) > 0 {
		formatted := "[" + timestamp + "] [" + strings.ToUpper(levelStr) + "] " + message + "\n"
		for _, out := range h.outs {
			if out != nil {
				_, _ = out.Write([]byte(formatted))
			}
		}
	}
	h.mu.Unlock()

	handlerMu.RLock()
	registered := make([]Sink, len(sinks))
	copy(registered, sinks)
	handlerMu.RUnlock()
	for _, s := range registered {
		s.Write(record.Level, message)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// WithGroup implements slog.Handler.
func (h *customHandler) WithGroup(name string) slog.Handler {
	return h
}

// Enabled implements slog.Handler.
func (h *customHandler) Enabled(ctx context.Context, level slog.Level) bool {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return level >= globalLevel
}

// Init initializes the global logger with one or more output writers.
func Init(outputs ...io.Writer) {
	handler := &customHandler{outs: outputs}
	slog.SetDefault(slog.New(handler))
}

// Convenience functions that use the default logger.
func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }
