package logging

import (
	"context"
	"fmt"

	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

// TickIDKey stores the id of the loop iteration being run.
const TickIDKey ContextKey = "tick_id"

// Setup configures Zap based on the log level string. Unknown levels fall
// back to info.
func Setup(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// NewTick returns a context carrying a fresh tick id.
func NewTick(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return context.WithValue(ctx, TickIDKey, id), id
}

// GetTickID retrieves the tick id from the context
func GetTickID(ctx context.Context) string {
	if id, ok := ctx.Value(TickIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext adds the tick id of ctx to logger.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if id := GetTickID(ctx); id != "" {
		return logger.With(zap.String("tick_id", id))
	}
	return logger
}

// ForJob returns a child logger carrying the identity of job.
func ForJob(logger *zap.Logger, job models.Job) *zap.Logger {
	base := job.Base()
	fields := []zapcore.Field{
		zap.Int64("job_id", base.ID),
		zap.Int64("parent_job_id", base.ParentJobID),
		zap.String("job_type", string(job.Type())),
		zap.String("tile_id", base.TileID),
	}
	if status, ok := base.LastStatus(); ok {
		fields = append(fields, zap.String("status", status.String()))
	}
	if nomadID := base.NomadID(); nomadID != "" {
		fields = append(fields, zap.String("nomad_id", nomadID))
	}
	return logger.With(fields...)
}
