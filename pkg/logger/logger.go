package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init configures the global logger instances. Calling it again replaces the
// previous loggers and closes their file outputs.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)
	handlerOpts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var opened []io.Closer
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, handlerOpts, &opened)
	if err != nil {
		closeAll(opened)
		return err
	}
	base := slog.New(handler)

	audit := base
	if cfg.Audit.Enabled {
		audit, err = buildAuditLogger(cfg.Audit, &opened)
		if err != nil {
			closeAll(opened)
			return err
		}
	}

	mu.Lock()
	previous := closers
	defaultLogger = base
	auditLogger = audit
	closers = opened
	mu.Unlock()

	closeAll(previous)
	return nil
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions, opened *[]io.Closer) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stdout)
	}
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			*opened = append(*opened, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func buildAuditLogger(cfg AuditConfig, opened *[]io.Closer) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	*opened = append(*opened, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String("channel", "audit")), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
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

func closeAll(items []io.Closer) error {
	var err error
	for _, c := range items {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Sync closes file outputs opened by Init.
func Sync() error {
	mu.Lock()
	items := closers
	closers = nil
	mu.Unlock()
	return closeAll(items)
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
