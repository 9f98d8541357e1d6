package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/seiforesti/data-wave-sub007/internal/config"
	"github.com/seiforesti/data-wave-sub007/model"
)

type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store unreachable, lock backend errors), 5xx responses
//   - warn:  Client errors (4xx), handler panics, failed executions, rollbacks
//   - info:  Lifecycle transitions (execution started/finished, request decided, session ended)
//   - debug: Payload detail, lock renewals, progress ticks
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", rctx.TenantID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// Field names masked by RedactPayload. Workflow params and bulk item data
// routinely carry data source credentials.
var defaultSensitiveFields = map[string]bool{
	"password":          true,
	"secret":            true,
	"token":             true,
	"access_token":      true,
	"api_key":           true,
	"authorization":     true,
	"credentials":       true,
	"connection_string": true,
	"dsn":               true,
	"private_key":       true,
}

// RedactPayload returns a copy of payload with sensitive fields replaced by
// "[REDACTED]". extra is merged with the default sensitive field names.
// Intended for debug-level logging only.
func RedactPayload(payload map[string]any, extra ...string) map[string]any {
	if payload == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range extra {
		redactSet[f] = true
	}
	return redact(payload, redactSet)
}

func redact(payload map[string]any, redactSet map[string]bool) map[string]any {
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		switch {
		case redactSet[k]:
			result[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				result[k] = redact(nested, redactSet)
			} else {
				result[k] = v
			}
		}
	}
	return result
}
