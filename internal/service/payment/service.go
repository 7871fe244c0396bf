package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/event"
	"github.com/Additional-Code/remedio/internal/gateway"
	orderrepo "github.com/Additional-Code/remedio/internal/repository/order"
	orderservice "github.com/Additional-Code/remedio/internal/service/order"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var (
	serviceTracer = otel.Tracer("github.com/Additional-Code/remedio/service/payment")
	serviceMeter  = otel.Meter("github.com/Additional-Code/remedio/service/payment")
)

// Service charges orders through the gateway and reconciles its webhooks.
type Service struct {
	db       *database.Connections
	orders   *orderrepo.Repository
	orderSvc *orderservice.Service
	gateway  gateway.Client
	events   *event.Publisher
	logger   *zap.Logger
	webhooks metric.Int64Counter
	enabled  bool
	async    bool
	now      func() time.Time
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	DB           *database.Connections
	Orders       *orderrepo.Repository
	OrderService *orderservice.Service
	Gateway      gateway.Client
	Events       *event.Publisher
	Config       config.Config
	Logger       *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) (*Service, error) {
	webhooks, err := serviceMeter.Int64Counter("payments.webhooks",
		metric.WithDescription("Gateway webhooks processed, by gateway status and outcome."))
	if err != nil {
		return nil, fmt.Errorf("create webhooks counter: %w", err)
	}
	return &Service{
		db:       p.DB,
		orders:   p.Orders,
		orderSvc: p.OrderService,
		gateway:  p.Gateway,
		events:   p.Events,
		logger:   p.Logger,
		webhooks: webhooks,
		enabled:  p.Config.Gateway.Enabled,
		async:    p.Config.Gateway.AsyncWebhooks && p.Events.Enabled(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Configured reports whether a gateway is available for charges.
func (s *Service) Configured() bool {
	return s.enabled
}

// ReconcileResult describes what one webhook did to the local order.
type ReconcileResult struct {
	OrderNotFound bool
	Known         bool
	OrderID       int64
	PaymentStatus entity.PaymentStatus
	OrderStatus   entity.OrderStatus
	Cancelled     bool
}

// Reconcile applies a gateway status to the order holding paymentID. A payment
// with no matching order is reported in the result, not as an error.
func (s *Service) Reconcile(ctx context.Context, paymentID, gatewayStatus string) (*ReconcileResult, error) {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.Reconcile", trace.WithAttributes(
		attribute.String("payment.id", paymentID),
		attribute.String("payment.gateway_status", gatewayStatus),
	))
	defer span.End()

	paymentID = strings.TrimSpace(paymentID)
	gatewayStatus = strings.ToUpper(strings.TrimSpace(gatewayStatus))
	if paymentID == "" {
		return nil, errorbank.BadRequest("payment id is required")
	}

	mapping, known := MapGatewayStatus(gatewayStatus)
	result := &ReconcileResult{Known: known}
	var (
		order *entity.Order
		from  entity.OrderStatus
	)

	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		orders := s.orders.WithTx(tx)
		var err error
		order, err = orders.GetByPaymentIDForUpdate(ctx, paymentID)
		if errors.Is(err, orderrepo.ErrNotFound) {
			result.OrderNotFound = true
			return nil
		}
		if err != nil {
			return err
		}

		from = order.Status
		now := s.now()
		order.AppendNote(now, "Payment: "+gatewayStatus)
		order.UpdatedAt = now
		if known {
			order.PaymentStatus = mapping.PaymentStatus
		}
		if known && mapping.CancelOrder && !order.Status.Terminal() {
			if err := s.orderSvc.TransitionInTx(ctx, tx, order, entity.OrderCancelled, "payment "+gatewayStatus); err != nil {
				return err
			}
			result.Cancelled = true
		}
		return orders.Update(ctx, order, "payment_status", "notes")
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		s.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", gatewayStatus), attribute.String("outcome", "error")))
		return nil, translate(err, "failed to reconcile payment")
	}

	if result.OrderNotFound {
		s.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", gatewayStatus), attribute.String("outcome", "unmatched")))
		s.logger.Info("payment webhook matched no order", zap.String("payment_id", paymentID), zap.String("status", gatewayStatus))
		return result, nil
	}

	result.OrderID = order.ID
	result.PaymentStatus = order.PaymentStatus
	result.OrderStatus = order.Status

	s.orderSvc.AfterTransition(ctx, order, from, entity.SystemActor("gateway"))
	s.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", gatewayStatus), attribute.String("outcome", "applied")))
	s.events.Notify(ctx, event.OrderKey(order.ID), event.PaymentReconciled, event.PaymentReconciledPayload{
		OrderID:       order.ID,
		PaymentID:     paymentID,
		GatewayStatus: gatewayStatus,
		PaymentStatus: string(order.PaymentStatus),
		OrderStatus:   string(order.Status),
	})
	if !known {
		s.logger.Warn("unrecognised gateway payment status left order unchanged",
			zap.Int64("order_id", order.ID), zap.String("status", gatewayStatus))
	}
	s.logger.Info("payment reconciled",
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", paymentID),
		zap.String("payment_status", string(order.PaymentStatus)),
		zap.String("order_status", string(order.Status)),
	)
	return result, nil
}

// Webhook is the subset of a gateway notification the service consumes.
type Webhook struct {
	Event     string
	PaymentID string
	Status    string
}

// WebhookResult is the acknowledgement returned to the gateway.
type WebhookResult struct {
	Queued    bool
	Reconcile *ReconcileResult
}

// HandleWebhook reconciles a notification now, or queues it on the bus when
// asynchronous webhooks are enabled.
func (s *Service) HandleWebhook(ctx context.Context, hook Webhook) (*WebhookResult, error) {
	if s.async {
		err := s.events.Publish(ctx, "payment-"+hook.PaymentID, event.PaymentWebhook, event.PaymentWebhookPayload{
			Event:     hook.Event,
			PaymentID: hook.PaymentID,
			Status:    hook.Status,
		})
		if err == nil {
			return &WebhookResult{Queued: true}, nil
		}
		s.logger.Warn("queueing payment webhook failed; reconciling inline", zap.String("payment_id", hook.PaymentID), zap.Error(err))
	}
	res, err := s.Reconcile(ctx, hook.PaymentID, hook.Status)
	if err != nil {
		return nil, err
	}
	return &WebhookResult{Reconcile: res}, nil
}

// ChargeInput requests a gateway charge for an existing order.
type ChargeInput struct {
	OrderID  int64
	Method   entity.PaymentMethod
	Customer gateway.Customer
	Card     *gateway.CreditCard
	Holder   *gateway.CardHolder
}

// ChargeResult is what the client needs to complete the payment.
type ChargeResult struct {
	OrderID int64
	Payment *gateway.Payment
}

// Charge creates a gateway charge for a pending order and records its id on the order.
func (s *Service) Charge(ctx context.Context, actor entity.Actor, in ChargeInput) (*ChargeResult, error) {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.Charge", trace.WithAttributes(
		attribute.Int64("order.id", in.OrderID),
		attribute.String("payment.method", string(in.Method)),
	))
	defer span.End()

	if in.Method == entity.PaymentMethodCash {
		return s.recordCharge(ctx, actor, in.OrderID, in.Method, nil)
	}
	billing, err := billingType(in.Method)
	if err != nil {
		return nil, err
	}
	if billing == gateway.BillingCreditCard && (in.Card == nil || in.Holder == nil) {
		return nil, errorbank.BadRequest("credit card and holder info are required")
	}

	order, err := s.orders.GetByID(ctx, in.OrderID)
	if errors.Is(err, orderrepo.ErrNotFound) {
		return nil, errorbank.NotFound("order not found", errorbank.WithCode(errorbank.CodeOrderNotFound))
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}
	if err := checkChargeable(actor, order); err != nil {
		return nil, err
	}

	customerID, err := s.gateway.EnsureCustomer(ctx, in.Customer)
	if err != nil {
		span.RecordError(err)
		return nil, translate(err, "failed to register gateway customer")
	}
	payment, err := s.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		CustomerID:  customerID,
		BillingType: billing,
		Value:       order.TotalPrice,
		Description: fmt.Sprintf("Order #%d", order.ID),
		DueDate:     dueDate(billing, s.now()),
		Card:        in.Card,
		Holder:      in.Holder,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "charge failed")
		return nil, translate(err, "failed to create charge")
	}

	res, err := s.recordCharge(ctx, actor, order.ID, in.Method, payment)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record charge failed")
		return nil, err
	}
	return res, nil
}

// recordCharge stores the chosen method and, for online charges, the gateway payment id.
func (s *Service) recordCharge(ctx context.Context, actor entity.Actor, orderID int64, method entity.PaymentMethod, payment *gateway.Payment) (*ChargeResult, error) {
	now := s.now()
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		orders := s.orders.WithTx(tx)
		locked, err := orders.GetForUpdate(ctx, orderID)
		if errors.Is(err, orderrepo.ErrNotFound) {
			return errorbank.NotFound("order not found", errorbank.WithCode(errorbank.CodeOrderNotFound))
		}
		if err != nil {
			return err
		}
		if err := checkChargeable(actor, locked); err != nil {
			return err
		}
		locked.PaymentMethod = method
		locked.PaymentStatus = entity.PaymentPending
		locked.UpdatedAt = now
		if payment != nil {
			locked.PaymentID = &payment.ID
			locked.AppendNote(now, fmt.Sprintf("Awaiting payment via %s (%s)", strings.ToUpper(string(method)), payment.ID))
		} else {
			locked.PaymentID = nil
			locked.AppendNote(now, "Payment on delivery (CASH)")
		}
		return orders.Update(ctx, locked, "payment_id", "payment_method", "payment_status", "notes")
	})
	if err != nil {
		return nil, translate(err, "failed to record charge")
	}

	s.orderSvc.Invalidate(ctx, orderID)
	fields := []zap.Field{zap.Int64("order_id", orderID), zap.String("method", string(method))}
	if payment != nil {
		fields = append(fields, zap.String("payment_id", payment.ID))
	}
	s.logger.Info("payment method recorded", fields...)
	return &ChargeResult{OrderID: orderID, Payment: payment}, nil
}

func checkChargeable(actor entity.Actor, order *entity.Order) error {
	if !actor.IsAdmin() && !(actor.Role == entity.RoleClient && actor.ID == order.ClientID) {
		return errorbank.Forbidden("only the ordering client or an admin may pay for this order")
	}
	if order.Status != entity.OrderPending {
		return errorbank.Conflict(fmt.Sprintf("order is %s and cannot be charged", order.Status),
			errorbank.WithCode(errorbank.CodeInvalidTransition))
	}
	if order.PaymentStatus == entity.PaymentConfirmed {
		return errorbank.Conflict("payment already confirmed", errorbank.WithCode(errorbank.CodePaymentAlreadyConfirmed))
	}
	return nil
}

func billingType(method entity.PaymentMethod) (gateway.BillingType, error) {
	switch method {
	case entity.PaymentMethodPix:
		return gateway.BillingPix, nil
	case entity.PaymentMethodBoleto:
		return gateway.BillingBoleto, nil
	case entity.PaymentMethodCreditCard:
		return gateway.BillingCreditCard, nil
	default:
		return "", errorbank.BadRequest(fmt.Sprintf("payment method %q cannot be charged online", method),
			errorbank.WithCode(errorbank.CodeInvalidPaymentMethod))
	}
}

// dueDate is one day out for PIX, three for boleto and today for cards.
func dueDate(billing gateway.BillingType, now time.Time) time.Time {
	switch billing {
	case gateway.BillingPix:
		return now.AddDate(0, 0, 1)
	case gateway.BillingBoleto:
		return now.AddDate(0, 0, 3)
	default:
		return now
	}
}

// StatusResult is the live gateway state of a charge.
type StatusResult struct {
	Payment       *gateway.Payment
	PaymentStatus entity.PaymentStatus
	Known         bool
}

// Status fetches a charge from the gateway without touching local state.
func (s *Service) Status(ctx context.Context, paymentID string) (*StatusResult, error) {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.Status", trace.WithAttributes(attribute.String("payment.id", paymentID)))
	defer span.End()

	p, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		return nil, translate(err, "failed to fetch payment")
	}
	mapping, known := MapGatewayStatus(p.Status)
	return &StatusResult{Payment: p, PaymentStatus: mapping.PaymentStatus, Known: known}, nil
}

func translate(err error, message string) error {
	var appErr *errorbank.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return errorbank.Internal(message, errorbank.WithCause(err))
}
