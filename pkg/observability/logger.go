package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/kiln/pkg/contextkeys"
)

// NewLogger creates a JSON logger at the named level ("debug", "info", "warn", "error")
func NewLogger(level string, output io.Writer) (*logrus.Logger, error) {
	if output == nil {
		output = os.Stdout
	}
	if level == "" {
		level = "info"
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, nil
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return contextkeys.WithLogger(ctx, logger)
}

// GetLogger retrieves the logger from context, falling back to the standard logger
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(contextkeys.LoggerKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.StandardLogger()
}

// FromContext returns the context logger enriched with request, user and trace ids
func FromContext(ctx context.Context) logrus.FieldLogger {
	logger := GetLogger(ctx)
	fields := logrus.Fields{}

	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}
	if userID := contextkeys.GetUserID(ctx); userID != "" {
		fields["user_id"] = userID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.WithFields(fields)
}
