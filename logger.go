// Package negotium logger.
// Structured logging over log/slog, rendered as the single-line record
// format shared by every negotium client:
//
//	[<asctime>] [negotium: <app_name>] [<LEVEL>] <message>
package negotium

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogHandler is the interface for custom log handlers.
type LogHandler func(level slog.Level, msg string, attrs ...slog.Attr)

type Logger struct {
	slog    *slog.Logger
	handler LogHandler
	silent  bool
}

type LoggerConfig struct {
	Level   slog.Level
	Handler LogHandler
	Silent  bool
	Output  io.Writer
}

func NewLogger(appName string, config ...LoggerConfig) *Logger {
	cfg := LoggerConfig{Level: slog.LevelInfo}
	if len(config) > 0 {
		cfg = config[0]
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Silent && cfg.Handler == nil {
		output = io.Discard
	}

	return &Logger{
		slog:    slog.New(newLineHandler(output, appName, cfg.Level)),
		handler: cfg.Handler,
		silent:  cfg.Silent,
	}
}

func (l *Logger) SetHandler(handler LogHandler) {
	l.handler = handler
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l.handler != nil {
		l.handler(level, msg)
	}
	if !l.silent {
		l.slog.Log(context.Background(), level, msg, args...)
	}
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:    l.slog.With(args...),
		handler: l.handler,
		silent:  l.silent,
	}
}

// lineHandler renders records in the negotium log line format. Attributes
// are appended to the message as key=value pairs.
type lineHandler struct {
	mu      *sync.Mutex
	out     io.Writer
	appName string
	level   slog.Leveler
	attrs   string
}

func newLineHandler(out io.Writer, appName string, level slog.Leveler) *lineHandler {
	return &lineHandler{
		mu:      &sync.Mutex{},
		out:     out,
		appName: appName,
		level:   level,
	}
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.out, "[%s] [negotium: %s] [%s] %s\n",
		r.Time.Format(timestampLayout), h.appName, r.Level.String(), b.String())
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	clone.attrs = b.String()
	return &clone
}

func (h *lineHandler) WithGroup(string) slog.Handler {
	return h
}
