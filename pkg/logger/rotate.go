package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditMaxBackups = 7
	defaultAuditMaxAgeDays = 30
)

// newRotatingWriter returns a size based rotating writer for the audit log.
func newRotatingWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultAuditMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultAuditMaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
