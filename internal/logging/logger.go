// Package logging builds the zap loggers used across the indexer,
// following the component-logger convention of the live-source and
// postgres-consumer services: one base logger per process, enriched
// with a "component" field per subsystem.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the `[log]` section of the indexer's TOML
// configuration (spec §6). It lives here, rather than in
// internal/config, so this package never has to import config back.
type Config struct {
	Level        string
	ConsoleLevel string
	File         string
	FileEnabled  bool
	MaxSize      int
	MaxFiles     int
}

// New builds the process-wide logger: a JSON core always writing to
// stderr at ConsoleLevel (falling back to Level when unset), teed with a
// second JSON core writing to File when FileEnabled is set. MaxSize and
// MaxFiles are accepted for schema completeness but are not enforced —
// rotating that file is out of scope (see DESIGN.md).
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level, zapcore.InfoLevel)
	if err != nil {
		return nil, fmt.Errorf("logging: parse level: %w", err)
	}
	consoleLevel := level
	if cfg.ConsoleLevel != "" {
		if lvl, err := parseLevel(cfg.ConsoleLevel, level); err == nil {
			consoleLevel = lvl
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), consoleLevel)}

	if cfg.FileEnabled && cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(f), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func parseLevel(s string, fallback zapcore.Level) (zapcore.Level, error) {
	if s == "" {
		return fallback, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return fallback, err
	}
	return lvl, nil
}

// Component returns a child logger tagged with the given subsystem name,
// e.g. "archive_syncer", "live_syncer", "query_api".
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}

// ForToken further tags a component logger with the token symbol it is
// working on, since every long-running subsystem here is per-token.
func ForToken(base *zap.Logger, token string) *zap.Logger {
	return base.With(zap.String("token", token))
}
