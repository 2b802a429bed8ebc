package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/instrumentation"
)

// Observer wraps store operations in spans and storage metrics. The zero
// value and a nil *Observer are inert.
type Observer struct {
	storageType     string
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewObserver returns an Observer labelling operations with storageType
// ("memory", "valkey", "postgres"). inst may be nil.
func NewObserver(storageType string, inst *instrumentation.Instrumentation) *Observer {
	o := &Observer{storageType: storageType, instrumentation: inst}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Instrumentation returns the wrapped instrumentation, or nil
func (o *Observer) Instrumentation() *instrumentation.Instrumentation {
	if o == nil {
		return nil
	}
	return o.instrumentation
}

// Start starts a span for a storage operation. The caller owns the returned
// span and must end it. Without instrumentation the span is a no-op, never
// the caller's span from ctx.
func (o *Observer) Start(ctx context.Context, operation string) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := o.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, o.storageType)
	return ctx, span
}

// Done records the outcome of an operation started at startTime and sets the
// span status. Lookups that end in a not-found sentinel count as success.
func (o *Observer) Done(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if o == nil || o.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case isNotFound(err):
		result = "not_found"
		span.SetStatus(codes.Ok, "")
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.instrumentation.Metrics().RecordStorageOperation(ctx, o.storageType, operation, result, durationMs)
}

// Encrypted records the duration of an at-rest seal ("encrypt") or open
// ("decrypt") started at startTime
func (o *Observer) Encrypted(ctx context.Context, operation string, startTime time.Time) {
	if o == nil || o.instrumentation == nil {
		return
	}
	o.instrumentation.Metrics().RecordEncryptionOperation(ctx, operation, float64(time.Since(startTime).Microseconds())/1000)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrAuthorizationNotFound) || errors.Is(err, ErrClientNotFound)
}
