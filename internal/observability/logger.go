package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/screentime-engine/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field represents a structured log field.
type Field = zap.Field

type fieldsKey struct{}

// NewLogger builds a JSON production logger or a console development logger
// from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	var zcfg zap.Config
	if cfg.LogFormat == "text" || cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", "screentime-engine")), nil
}

// WithFields returns a context carrying extra log fields
func WithFields(ctx context.Context, fields ...Field) context.Context {
	existing := FieldsFromContext(ctx)
	merged := make([]Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FieldsFromContext returns the log fields stored in ctx
func FieldsFromContext(ctx context.Context) []Field {
	if fields, ok := ctx.Value(fieldsKey{}).([]Field); ok {
		return fields
	}
	return nil
}

// FromContext returns logger enriched with the fields stored in ctx
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
