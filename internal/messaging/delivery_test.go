package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	calls := 0
	handler := func(context.Context, Message) error {
		calls++
		if calls < 3 {
			return errors.New("gateway unavailable")
		}
		return nil
	}
	if err := Deliver(context.Background(), handler, Message{}, RetryPolicy{Attempts: 5, Backoff: time.Millisecond}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDeliverGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	handler := func(context.Context, Message) error {
		calls++
		return errors.New("still failing")
	}
	if err := Deliver(context.Background(), handler, Message{}, RetryPolicy{Attempts: 2, Backoff: time.Millisecond}); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestTraceContextTravelsInHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	original := map[string]string{"event-type": "payment.webhook"}
	headers := InjectTrace(ctx, original)
	if _, ok := original["traceparent"]; ok {
		t.Fatalf("InjectTrace must not mutate the input map")
	}
	if headers["event-type"] != "payment.webhook" || headers["traceparent"] == "" {
		t.Fatalf("unexpected headers %v", headers)
	}

	var seen trace.SpanContext
	handler := func(ctx context.Context, _ Message) error {
		seen = trace.SpanContextFromContext(ctx)
		return nil
	}
	if err := Deliver(context.Background(), handler, Message{Headers: headers}, RetryPolicy{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if seen.TraceID() != traceID {
		t.Fatalf("expected trace %s, got %s", traceID, seen.TraceID())
	}
}

func TestNoopClientHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (noopClient{topic: "remedio.events"}).Consume(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
