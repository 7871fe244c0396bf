package events

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/event"
	"github.com/Additional-Code/remedio/internal/messaging"
	paymentservice "github.com/Additional-Code/remedio/internal/service/payment"
	"github.com/Additional-Code/remedio/internal/worker"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var workerTracer = otel.Tracer("github.com/Additional-Code/remedio/worker/events")

// Module registers the domain event handler with the worker engine.
var Module = fx.Module("worker_events",
	fx.Provide(
		NewProcessor,
		fx.Annotate(
			NewRegistration,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// Reconciler applies a queued gateway status to the local order.
type Reconciler interface {
	Reconcile(ctx context.Context, paymentID, gatewayStatus string) (*paymentservice.ReconcileResult, error)
}

// Processor consumes domain events from the bus.
type Processor struct {
	payments Reconciler
	logger   *zap.Logger
}

// NewProcessor builds a Processor backed by the payment service.
func NewProcessor(payments *paymentservice.Service, logger *zap.Logger) *Processor {
	return newProcessor(payments, logger)
}

func newProcessor(payments Reconciler, logger *zap.Logger) *Processor {
	return &Processor{payments: payments, logger: logger}
}

// NewRegistration binds the processor to the configured events topic.
func NewRegistration(p *Processor, cfg config.Config) worker.HandlerRegistration {
	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: p.Handle,
	}
}

// Handle processes one bus message. Malformed messages are dropped; only
// internal failures are returned so the message is redelivered.
func (p *Processor) Handle(ctx context.Context, msg messaging.Message) error {
	ctx, span := workerTracer.Start(ctx, "worker.events.process", trace.WithAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int64("messaging.offset", msg.Offset),
	))
	defer span.End()

	var env event.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		p.logger.Error("failed to decode event envelope", zap.Int64("offset", msg.Offset), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode error")
		return nil
	}
	span.SetAttributes(attribute.String("event.type", string(env.Type)), attribute.String("event.id", env.ID))

	switch env.Type {
	case event.PaymentWebhook:
		return p.reconcile(ctx, span, env)
	default:
		p.logger.Info("event observed",
			zap.String("id", env.ID),
			zap.String("type", string(env.Type)),
			zap.String("key", string(msg.Key)),
			zap.Time("occurred_at", env.OccurredAt),
		)
		return nil
	}
}

func (p *Processor) reconcile(ctx context.Context, span trace.Span, env event.Envelope) error {
	var hook event.PaymentWebhookPayload
	if err := env.Decode(&hook); err != nil {
		p.logger.Error("failed to decode payment webhook", zap.String("event_id", env.ID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode error")
		return nil
	}

	res, err := p.payments.Reconcile(ctx, hook.PaymentID, hook.Status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		if errorbank.From(err).StatusCode() >= http.StatusInternalServerError {
			return err
		}
		p.logger.Warn("queued payment webhook rejected",
			zap.String("payment_id", hook.PaymentID),
			zap.String("status", hook.Status),
			zap.Error(err),
		)
		return nil
	}
	p.logger.Info("queued payment webhook reconciled",
		zap.String("payment_id", hook.PaymentID),
		zap.String("status", hook.Status),
		zap.Bool("order_found", !res.OrderNotFound),
	)
	return nil
}
