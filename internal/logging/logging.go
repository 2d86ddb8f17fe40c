// Package logging configures the process-wide slog logger and the monitor's
// own append-only log file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// TimestampLayout is the timestamp format of monitor log lines:
// [2006-01-02 15:04:05.000000] LEVEL message key=value
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Configure installs a process-wide slog default logger. Records go to stderr
// and, when monitorLog is set, are appended to that file as well.
//
// Supported levels: debug, info, warn, error.
func Configure(level, monitorLog string) (*slog.Logger, io.Closer, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed}),
	}

	var closer io.Closer = nopCloser{}
	if monitorLog != "" {
		if err := os.MkdirAll(filepath.Dir(monitorLog), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create monitor log directory: %w", err)
		}
		f, err := os.OpenFile(monitorLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open monitor log: %w", err)
		}
		handlers = append(handlers, NewFileHandler(f, parsed))
		closer = f
	}

	logger := slog.New(fanout(handlers))
	slog.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLineTime extracts the leading bracketed timestamp of a monitor log
// line. Lines written by other tools are reported as not matching.
func ParseLineTime(line string) (time.Time, bool) {
	if len(line) < len(TimestampLayout)+2 || line[0] != '[' || line[len(TimestampLayout)+1] != ']' {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, line[1:len(TimestampLayout)+1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FileHandler renders records in the monitor log line format.
type FileHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewFileHandler returns a handler writing monitor log lines to w.
func NewFileHandler(w io.Writer, level slog.Leveler) *FileHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &FileHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *FileHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *FileHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	sb.WriteByte('[')
	sb.WriteString(ts.Format(TimestampLayout))
	sb.WriteString("] ")
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, prefix, a)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	prefix := strings.Join(h.groups, ".")
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string{}, h.groups...), name)
	return &nh
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, key, ga)
		}
		return
	}
	val := a.Value.String()
	if val == "" || strings.ContainsAny(val, " \t\"=") {
		val = strconv.Quote(val)
	}
	sb.WriteByte(' ')
	sb.WriteString(key)
	sb.WriteByte('=')
	sb.WriteString(val)
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
