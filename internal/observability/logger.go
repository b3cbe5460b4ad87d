package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logContextKey struct{}

// logContext is what request and job handlers attach to ctx for service logs.
type logContext struct {
	correlationID string
	emailID       string
	batchID       string
}

// NewLogger builds the JSON production logger. Every entry carries the process
// role, "api" or "worker".
func NewLogger(level string, role string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	if role != "" {
		cfg.InitialFields = map[string]any{"role": role}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func fromContext(ctx context.Context) logContext {
	if ctx == nil {
		return logContext{}
	}
	lc, _ := ctx.Value(logContextKey{}).(logContext)
	return lc
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	lc := fromContext(ctx)
	lc.correlationID = correlationID
	return context.WithValue(ctx, logContextKey{}, lc)
}

// WithBatch tags ctx with the email and batch a job works on. Empty values
// keep what ctx already carries.
func WithBatch(ctx context.Context, emailID, batchID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	lc := fromContext(ctx)
	if emailID != "" {
		lc.emailID = emailID
	}
	if batchID != "" {
		lc.batchID = batchID
	}
	return context.WithValue(ctx, logContextKey{}, lc)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	lc := fromContext(ctx)
	if lc.correlationID == "" {
		return "", false
	}
	return lc.correlationID, true
}

// ContextFields returns the log fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	lc := fromContext(ctx)

	fields := make([]zap.Field, 0, 3)
	if lc.correlationID != "" {
		fields = append(fields, zap.String("correlationId", lc.correlationID))
	}
	if lc.emailID != "" {
		fields = append(fields, zap.String("emailId", lc.emailID))
	}
	if lc.batchID != "" {
		fields = append(fields, zap.String("batchId", lc.batchID))
	}
	return fields
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
