package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelsByName = map[string]zapcore.Level{
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"":        zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// ParseLevel maps a configured level name onto a zap level. Unknown names resolve to info.
func ParseLevel(level string) (zapcore.Level, bool) {
	parsed, ok := levelsByName[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return zapcore.InfoLevel, false
	}
	return parsed, true
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	parsed, known := ParseLevel(level)

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if !known {
		logger.Warn("unknown log level, defaulting to info", zap.String("log_level", level))
	}
	return logger.With(zap.String("service", "mend-api")), nil
}
