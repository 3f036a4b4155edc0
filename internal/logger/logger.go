// Package logger builds the zap logger shared by every component and carries
// job-scoped fields through context.
package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

type ctxKey struct{}

// New 建立 zap logger
//
// 參數：
//   - level: debug / info / warn / error，其他值視為 info
//   - format: json 或 console
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "json"
	encoderCfg := zap.NewProductionEncoderConfig()
	if format == "console" {
		encoding = "console"
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// JobFields are the structured fields attached to every job-scoped entry.
func JobFields(job types.Job) []zap.Field {
	return []zap.Field{
		zap.String("job_id", string(job.ID)),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
	}
}

// WithJob returns a context carrying l annotated with job's fields.
func WithJob(ctx context.Context, l *zap.Logger, job types.Job) context.Context {
	return context.WithValue(ctx, ctxKey{}, l.With(JobFields(job)...))
}

// FromContext returns the logger stored by WithJob, or fallback.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}
