package messaging

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// RetryPolicy bounds how often a failing handler is re-run for one message.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Deliver runs handler for msg with the trace context carried in its headers,
// retrying failures with exponential backoff until the policy is exhausted.
func Deliver(ctx context.Context, handler Handler, msg Message, policy RetryPolicy) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	base := policy.Backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	msgCtx := ExtractTrace(ctx, msg.Headers)
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
	return retry.Do(msgCtx, backoff, func(ctx context.Context) error {
		if err := handler(ctx, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// InjectTrace returns a copy of headers with the current trace context added.
func InjectTrace(ctx context.Context, headers map[string]string) map[string]string {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		carrier[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractTrace restores a trace context published by InjectTrace.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
