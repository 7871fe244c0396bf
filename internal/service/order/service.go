package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/cache"
	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/event"
	"github.com/Additional-Code/remedio/internal/lifecycle"
	deliveryrepo "github.com/Additional-Code/remedio/internal/repository/delivery"
	medicationrepo "github.com/Additional-Code/remedio/internal/repository/medication"
	repo "github.com/Additional-Code/remedio/internal/repository/order"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var (
	serviceTracer = otel.Tracer("github.com/Additional-Code/remedio/service/order")
	serviceMeter  = otel.Meter("github.com/Additional-Code/remedio/service/order")
)

// Service encapsulates business logic around orders.
type Service struct {
	db          *database.Connections
	orders      *repo.Repository
	medications *medicationrepo.Repository
	deliveries  *deliveryrepo.Repository
	cache       cache.Store
	cacheTTL    time.Duration
	logger      *zap.Logger
	events      *event.Publisher
	transitions metric.Int64Counter
	now         func() time.Time
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	DB          *database.Connections
	Orders      *repo.Repository
	Medications *medicationrepo.Repository
	Deliveries  *deliveryrepo.Repository
	Cache       cache.Store
	Config      config.Config
	Logger      *zap.Logger
	Events      *event.Publisher
}

// NewService wires a new Service instance.
func NewService(p Params) (*Service, error) {
	transitions, err := serviceMeter.Int64Counter("orders.transitions",
		metric.WithDescription("Order status changes committed, by source and target status."))
	if err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	return &Service{
		db:          p.DB,
		orders:      p.Orders,
		medications: p.Medications,
		deliveries:  p.Deliveries,
		cache:       p.Cache,
		cacheTTL:    p.Config.Cache.DefaultTTL,
		logger:      p.Logger,
		events:      p.Events,
		transitions: transitions,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Item is one requested line of a checkout.
type Item struct {
	MedicationID int64
	Quantity     int
}

// CreateInput carries a checkout request.
type CreateInput struct {
	ClientID        string
	Items           []Item
	ShippingAddress string
	PaymentMethod   entity.PaymentMethod
	Notes           string
}

// Create reserves stock and persists the order with a price snapshot, all in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Create", trace.WithAttributes(attribute.String("order.client_id", in.ClientID)))
	defer span.End()

	lines, err := normalizeItems(in)
	if err != nil {
		return nil, err
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = entity.PaymentMethodPix
	}

	now := s.now()
	order := &entity.Order{
		ClientID:        strings.TrimSpace(in.ClientID),
		Status:          entity.OrderPending,
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		PaymentMethod:   in.PaymentMethod,
		PaymentStatus:   entity.PaymentPending,
		Notes:           strings.TrimSpace(in.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.AppendNote(now, fmt.Sprintf("Order placed with payment method %s", in.PaymentMethod))

	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		medications := s.medications.WithTx(tx)
		total := decimal.Zero
		for _, line := range lines {
			med, err := medications.GetForUpdate(ctx, line.MedicationID)
			if errors.Is(err, medicationrepo.ErrNotFound) {
				return errorbank.NotFound(fmt.Sprintf("medication %d not found", line.MedicationID),
					errorbank.WithCode(errorbank.CodeMedicationNotFound),
					errorbank.WithDetail("medication_id", line.MedicationID))
			}
			if err != nil {
				return err
			}
			ok, err := medications.DecrementStock(ctx, med.ID, line.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return errorbank.Unprocessable(fmt.Sprintf("insufficient stock for %s", med.Name),
					errorbank.WithCode(errorbank.CodeInsufficientStock),
					errorbank.WithDetail("medication_id", med.ID),
					errorbank.WithDetail("requested", line.Quantity),
					errorbank.WithDetail("available", med.Stock))
			}
			item := &entity.OrderItem{MedicationID: med.ID, Quantity: line.Quantity, Price: med.Price}
			order.Items = append(order.Items, item)
			total = total.Add(item.Subtotal())
		}
		order.TotalPrice = total
		return s.orders.WithTx(tx).Create(ctx, order)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, translate(err, "failed to create order")
	}

	s.storeInCache(ctx, order)
	s.events.Notify(ctx, event.OrderKey(order.ID), event.OrderCreated, event.OrderCreatedPayload{
		OrderID:    order.ID,
		ClientID:   order.ClientID,
		TotalPrice: order.TotalPrice.StringFixed(2),
		Items:      len(order.Items),
	})
	s.logger.Info("order created", zap.Int64("order_id", order.ID), zap.String("total", order.TotalPrice.StringFixed(2)))
	return order, nil
}

func normalizeItems(in CreateInput) ([]Item, error) {
	if strings.TrimSpace(in.ClientID) == "" {
		return nil, errorbank.BadRequest("client id is required")
	}
	if strings.TrimSpace(in.ShippingAddress) == "" {
		return nil, errorbank.BadRequest("shipping address is required")
	}
	if len(in.Items) == 0 {
		return nil, errorbank.BadRequest("at least one item is required")
	}

	merged := make(map[int64]int, len(in.Items))
	for _, it := range in.Items {
		if it.MedicationID <= 0 {
			return nil, errorbank.BadRequest("medication id must be positive")
		}
		if it.Quantity <= 0 {
			return nil, errorbank.BadRequest("quantity must be positive", errorbank.WithDetail("medication_id", it.MedicationID))
		}
		merged[it.MedicationID] += it.Quantity
	}

	// Lock rows in id order so concurrent checkouts cannot deadlock.
	lines := make([]Item, 0, len(merged))
	for id, qty := range merged {
		lines = append(lines, Item{MedicationID: id, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].MedicationID < lines[j].MedicationID })
	return lines, nil
}

// Get retrieves an order by id, consulting cache when available.
func (s *Service) Get(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	var cached entity.Order
	err := cache.GetJSON(ctx, s.cache, cache.OrderKey(id), &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("orders cache read failed", zap.Int64("id", id), zap.Error(err))
	}

	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, orderNotFound(id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	s.storeInCache(ctx, order)
	return order, nil
}

// View returns the order when actor may see it: admins always, clients their
// own orders and couriers orders that are out for delivery.
func (s *Service) View(ctx context.Context, actor entity.Actor, id int64) (*entity.Order, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.IsAdmin():
	case actor.Role == entity.RoleClient && order.ClientID == actor.ID:
	case actor.Role == entity.RoleDelivery && order.Status == entity.OrderShipped:
	default:
		return nil, errorbank.Forbidden("not allowed to view this order", errorbank.WithDetail("order_id", id))
	}
	return order, nil
}

// ListInput filters and pages order listings.
type ListInput struct {
	ClientID string
	Status   entity.OrderStatus
	Page     int
	Limit    int
}

// List returns a page of orders with the total match count.
func (s *Service) List(ctx context.Context, in ListInput) ([]*entity.Order, int, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.List")
	defer span.End()

	if in.Limit <= 0 || in.Limit > 100 {
		in.Limit = 20
	}
	if in.Page <= 0 {
		in.Page = 1
	}
	orders, total, err := s.orders.List(ctx, repo.Filter{
		ClientID: in.ClientID,
		Status:   in.Status,
		Limit:    in.Limit,
		Offset:   (in.Page - 1) * in.Limit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, 0, errorbank.Internal("failed to list orders", errorbank.WithCause(err))
	}
	return orders, total, nil
}

// ListFor scopes List to what actor may see. Clients only list their own orders.
func (s *Service) ListFor(ctx context.Context, actor entity.Actor, in ListInput) ([]*entity.Order, int, error) {
	switch {
	case actor.IsAdmin():
	case actor.Role == entity.RoleClient:
		in.ClientID = actor.ID
	default:
		return nil, 0, errorbank.Forbidden(fmt.Sprintf("role %s cannot list orders", actor.Role))
	}
	return s.List(ctx, in)
}

// Transition moves an order to target on behalf of actor. The order row stays
// locked from validation through commit.
func (s *Service) Transition(ctx context.Context, actor entity.Actor, id int64, target entity.OrderStatus, reason string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Transition", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.target", string(target)),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	var (
		order *entity.Order
		from  entity.OrderStatus
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		order, err = s.orders.WithTx(tx).GetForUpdate(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return orderNotFound(id)
		}
		if err != nil {
			return err
		}
		if err := authorizeTransition(actor, order, target); err != nil {
			return err
		}
		from = order.Status
		note := "by " + actor.String()
		if reason = strings.TrimSpace(reason); reason != "" {
			note += ": " + reason
		}
		return s.TransitionInTx(ctx, tx, order, target, note)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, translate(err, "failed to change order status")
	}

	s.AfterTransition(ctx, order, from, actor)
	return order, nil
}

func authorizeTransition(actor entity.Actor, order *entity.Order, target entity.OrderStatus) error {
	switch {
	case actor.IsAdmin():
		return nil
	case actor.Role == entity.RoleClient:
		if order.ClientID != actor.ID {
			return errorbank.Forbidden("order belongs to another client")
		}
		if target != entity.OrderCancelled || order.Status != entity.OrderPending {
			return errorbank.Forbidden("clients may only cancel pending orders",
				errorbank.WithDetail("status", order.Status))
		}
		return nil
	default:
		return errorbank.Forbidden(fmt.Sprintf("role %s cannot change order status", actor.Role))
	}
}

// TransitionInTx applies and persists a status change inside tx. Cancelling an
// order also fails its unfinished delivery task.
func (s *Service) TransitionInTx(ctx context.Context, tx bun.IDB, order *entity.Order, target entity.OrderStatus, note string) error {
	now := s.now()
	if err := lifecycle.Apply(order, target, now, note); err != nil {
		return err
	}
	if err := s.orders.WithTx(tx).Update(ctx, order, "status", "notes"); err != nil {
		return err
	}
	if target != entity.OrderCancelled {
		return nil
	}

	deliveries := s.deliveries.WithTx(tx)
	task, err := deliveries.GetByOrderIDForUpdate(ctx, order.ID)
	if errors.Is(err, deliveryrepo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	task.Status = entity.DeliveryFailed
	task.UpdatedAt = now
	return deliveries.Update(ctx, task, "status")
}

// AfterTransition runs the post-commit side effects of a status change.
func (s *Service) AfterTransition(ctx context.Context, order *entity.Order, from entity.OrderStatus, actor entity.Actor) {
	s.Invalidate(ctx, order.ID)
	if from == order.Status {
		return
	}
	if order.Status == entity.OrderCancelled {
		s.invalidateTracking(ctx, order.ID)
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(order.Status)),
	))
	s.events.Notify(ctx, event.OrderKey(order.ID), event.OrderStatusChanged, event.OrderStatusChangedPayload{
		OrderID:       order.ID,
		From:          string(from),
		To:            string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Actor:         actor.String(),
	})
	s.logger.Info("order status changed",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(order.Status)),
		zap.Stringer("actor", actor),
	)
}

// Invalidate drops the cached read model of an order.
func (s *Service) Invalidate(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.OrderKey(id)); err != nil {
		s.logger.Warn("orders cache delete failed", zap.Int64("id", id), zap.Error(err))
	}
}

// invalidateTracking drops the tracking snapshot of the order's task, which a
// cancellation may have just failed.
func (s *Service) invalidateTracking(ctx context.Context, orderID int64) {
	if s.cache == nil {
		return
	}
	task, err := s.deliveries.GetByOrderID(ctx, orderID)
	if err != nil {
		if !errors.Is(err, deliveryrepo.ErrNotFound) {
			s.logger.Warn("delivery lookup failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
		return
	}
	if err := s.cache.Delete(ctx, cache.TrackingKey(task.ID)); err != nil {
		s.logger.Warn("tracking cache delete failed", zap.Int64("task_id", task.ID), zap.Error(err))
	}
}

func (s *Service) storeInCache(ctx context.Context, order *entity.Order) {
	if err := cache.SetJSON(ctx, s.cache, cache.OrderKey(order.ID), order, s.cacheTTL); err != nil {
		s.logger.Warn("orders cache write failed", zap.Int64("id", order.ID), zap.Error(err))
	}
}

func orderNotFound(id int64) error {
	return errorbank.NotFound("order not found",
		errorbank.WithCode(errorbank.CodeOrderNotFound),
		errorbank.WithDetail("order_id", id))
}

// translate keeps AppErrors as-is and wraps anything else as internal.
func translate(err error, message string) error {
	var appErr *errorbank.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return errorbank.Internal(message, errorbank.WithCause(err))
}
