// Package event defines the domain events published on the message bus.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/messaging"
)

// Type names an event kind; it is also sent as the "event-type" header.
type Type string

const (
	OrderCreated        Type = "order.created"
	OrderStatusChanged  Type = "order.status_changed"
	PaymentWebhook      Type = "payment.webhook"
	PaymentReconciled   Type = "payment.reconciled"
	DeliveryAssigned    Type = "delivery.assigned"
	DeliveryCompleted   Type = "delivery.completed"
	DeliveryFailed      Type = "delivery.failed"
	CashPaymentFinalize Type = "delivery.cash_finalized"
)

// HeaderType carries the event type on bus messages.
const HeaderType = "event-type"

// Envelope wraps every payload written to the bus.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// OrderStatusChangedPayload is emitted after any committed order status change.
type OrderStatusChangedPayload struct {
	OrderID       int64  `json:"order_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	PaymentStatus string `json:"payment_status"`
	Actor         string `json:"actor,omitempty"`
}

// OrderCreatedPayload is emitted after checkout commits.
type OrderCreatedPayload struct {
	OrderID    int64  `json:"order_id"`
	ClientID   string `json:"client_id"`
	TotalPrice string `json:"total_price"`
	Items      int    `json:"items"`
}

// PaymentWebhookPayload is a gateway notification queued for asynchronous reconciliation.
type PaymentWebhookPayload struct {
	Event     string `json:"event"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// PaymentReconciledPayload reports the outcome of one webhook.
type PaymentReconciledPayload struct {
	OrderID       int64  `json:"order_id"`
	PaymentID     string `json:"payment_id"`
	GatewayStatus string `json:"gateway_status"`
	PaymentStatus string `json:"payment_status"`
	OrderStatus   string `json:"order_status"`
}

// DeliveryPayload describes a delivery task lifecycle change.
type DeliveryPayload struct {
	TaskID           int64  `json:"task_id"`
	OrderID          int64  `json:"order_id"`
	DeliveryPersonID string `json:"delivery_person_id,omitempty"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
}

// Module provides the Publisher to Fx.
var Module = fx.Provide(NewPublisher)

// Publisher serialises domain events onto the messaging client.
type Publisher struct {
	client  messaging.Client
	enabled bool
	logger  *zap.Logger
	now     func() time.Time
}

// NewPublisher wires a Publisher; a disabled bus turns Publish into a no-op.
func NewPublisher(client messaging.Client, cfg config.Config, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:  client,
		enabled: cfg.Messaging.Enabled && client != nil,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether events reach the bus.
func (p *Publisher) Enabled() bool {
	return p != nil && p.enabled
}

// Publish sends the event and returns any transport error.
func (p *Publisher) Publish(ctx context.Context, key string, typ Type, payload any) error {
	if !p.Enabled() {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: p.now(),
		Payload:    raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	return p.client.Publish(ctx, []byte(key), body, map[string]string{HeaderType: string(typ)})
}

// Notify publishes best-effort: failures are logged, never returned.
func (p *Publisher) Notify(ctx context.Context, key string, typ Type, payload any) {
	if err := p.Publish(ctx, key, typ, payload); err != nil && p.logger != nil {
		p.logger.Error("publish event failed", zap.String("type", string(typ)), zap.String("key", key), zap.Error(err))
	}
}

// OrderKey is the partition key for events about an order.
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}
