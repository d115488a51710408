// Package instrument reports pipeline failures to observability sinks.
package instrument

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/logging"
)

// Reporter receives errors the pipeline recovers from. Implementations
// must not block for long; callers ignore their failures.
type Reporter interface {
	ReportError(ctx context.Context, err error, attrs map[string]string)
}

// Report calls r and swallows any panic it raises. A nil reporter is a no-op.
func Report(ctx context.Context, r Reporter, err error, attrs map[string]string) {
	if r == nil || err == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logging.Debug("error reporter panicked", zap.Any("panic", p))
		}
	}()
	r.ReportError(ctx, err, attrs)
}

// LogReporter writes reports to the request logger.
type LogReporter struct{}

func (LogReporter) ReportError(ctx context.Context, err error, attrs map[string]string) {
	fields := make([]zap.Field, 0, len(attrs)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range attrs {
		fields = append(fields, zap.String(k, v))
	}
	logging.FromContext(ctx).Error("pipeline error", fields...)
}

// SpanReporter records reports on the active span.
type SpanReporter struct{}

func (SpanReporter) ReportError(ctx context.Context, err error, attrs map[string]string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	span.RecordError(err, trace.WithAttributes(kv...))
	span.SetStatus(codes.Error, err.Error())
}

// Multi fans a report out to every reporter in order.
type Multi []Reporter

func (m Multi) ReportError(ctx context.Context, err error, attrs map[string]string) {
	for _, r := range m {
		Report(ctx, r, err, attrs)
	}
}
