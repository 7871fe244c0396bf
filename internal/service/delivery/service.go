package delivery

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

	"github.com/Additional-Code/remedio/internal/cache"
	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/event"
	"github.com/Additional-Code/remedio/internal/geocoding"
	deliveryrepo "github.com/Additional-Code/remedio/internal/repository/delivery"
	orderrepo "github.com/Additional-Code/remedio/internal/repository/order"
	orderservice "github.com/Additional-Code/remedio/internal/service/order"
	"github.com/Additional-Code/remedio/pkg/errorbank"
	"github.com/Additional-Code/remedio/pkg/geo"
)

var (
	serviceTracer = otel.Tracer("github.com/Additional-Code/remedio/service/delivery")
	serviceMeter  = otel.Meter("github.com/Additional-Code/remedio/service/delivery")
)

// Service assigns couriers to shipped orders and tracks them to the door.
type Service struct {
	db          *database.Connections
	orders      *orderrepo.Repository
	deliveries  *deliveryrepo.Repository
	orderSvc    *orderservice.Service
	geocoder    geocoding.Geocoder
	cache       cache.Store
	events      *event.Publisher
	logger      *zap.Logger
	pings       metric.Int64Counter
	avgSpeedKmh float64
	defaultETA  time.Duration
	trackingTTL time.Duration
	now         func() time.Time
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	DB           *database.Connections
	Orders       *orderrepo.Repository
	Deliveries   *deliveryrepo.Repository
	OrderService *orderservice.Service
	Geocoder     geocoding.Geocoder
	Cache        cache.Store
	Events       *event.Publisher
	Config       config.Config
	Logger       *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) (*Service, error) {
	pings, err := serviceMeter.Int64Counter("deliveries.location_pings",
		metric.WithDescription("Courier location pings, by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create pings counter: %w", err)
	}
	return &Service{
		db:          p.DB,
		orders:      p.Orders,
		deliveries:  p.Deliveries,
		orderSvc:    p.OrderService,
		geocoder:    p.Geocoder,
		cache:       p.Cache,
		events:      p.Events,
		logger:      p.Logger,
		pings:       pings,
		avgSpeedKmh: p.Config.Delivery.AverageSpeedKmh,
		defaultETA:  p.Config.Delivery.DefaultETA,
		trackingTTL: p.Config.Delivery.TrackingTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// ReleaseResult reports the outcome of releasing an order for delivery.
type ReleaseResult struct {
	Order *entity.Order
	// Task is set when the release also assigned a courier.
	Task *entity.DeliveryTask
}

// Release makes an order available to couriers. With a courier id it ships
// and assigns in one transaction; without one no task row is written and the
// SHIPPED status is the availability marker.
func (s *Service) Release(ctx context.Context, actor entity.Actor, orderID int64, courierID string, eta *time.Time) (*ReleaseResult, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.Release", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	var (
		order   *entity.Order
		from    entity.OrderStatus
		plan    *assignment
		task    *entity.DeliveryTask
		created bool
	)
	if strings.TrimSpace(courierID) != "" {
		var err error
		if plan, err = s.planAssignment(ctx, actor, orderID, courierID, eta); err != nil {
			return nil, err
		}
	}

	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		order, err = s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		from = order.Status
		if plan == nil || order.Status == entity.OrderProcessing {
			if err := s.releaseInTx(ctx, tx, actor, order); err != nil {
				return err
			}
		}
		if plan == nil {
			return nil
		}
		task, created, err = s.assignInTx(ctx, tx, actor, order, plan)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return nil, translate(err, "failed to release order")
	}

	s.orderSvc.AfterTransition(ctx, order, from, actor)
	if plan == nil {
		return &ReleaseResult{Order: order}, nil
	}
	s.afterAssign(ctx, task, plan, created)
	return &ReleaseResult{Order: order, Task: task}, nil
}

// releaseInTx ships a PROCESSING order, or confirms a SHIPPED one has no live task.
func (s *Service) releaseInTx(ctx context.Context, tx bun.IDB, actor entity.Actor, order *entity.Order) error {
	if !actor.IsAdmin() {
		return errorbank.Forbidden("only admins may release orders for delivery")
	}
	task, err := s.deliveries.WithTx(tx).GetByOrderIDForUpdate(ctx, order.ID)
	if err != nil && !errors.Is(err, deliveryrepo.ErrNotFound) {
		return err
	}
	if task != nil && task.Status != entity.DeliveryFailed {
		return duplicateTask(order.ID, task)
	}

	switch order.Status {
	case entity.OrderShipped:
		return nil
	case entity.OrderProcessing:
		return s.orderSvc.TransitionInTx(ctx, tx, order, entity.OrderShipped, "released for delivery by "+actor.String())
	default:
		return errorbank.Conflict(fmt.Sprintf("order is %s and cannot be released for delivery", order.Status),
			errorbank.WithCode(errorbank.CodeInvalidTransition),
			errorbank.WithDetail("status", order.Status))
	}
}

// assignment carries what an assignment resolved before its transaction opened.
type assignment struct {
	courierID string
	estimated time.Time
	now       time.Time
	coords    *geocoding.Coordinates
}

// planAssignment checks who may assign to whom and geocodes the customer
// address. A geocoding failure leaves the coordinates empty.
func (s *Service) planAssignment(ctx context.Context, actor entity.Actor, orderID int64, courierID string, eta *time.Time) (*assignment, error) {
	courierID = strings.TrimSpace(courierID)
	switch {
	case actor.IsAdmin():
		if courierID == "" {
			return nil, errorbank.BadRequest("delivery person id is required")
		}
	case actor.Role == entity.RoleDelivery:
		if courierID == "" {
			courierID = actor.ID
		}
		if courierID != actor.ID {
			return nil, errorbank.Forbidden("couriers may only claim deliveries for themselves")
		}
	default:
		return nil, errorbank.Forbidden(fmt.Sprintf("role %s cannot assign deliveries", actor.Role))
	}

	now := s.now()
	plan := &assignment{courierID: courierID, now: now, estimated: now.Add(s.defaultETA)}
	if eta != nil {
		plan.estimated = eta.UTC()
	}
	plan.coords = s.resolveCustomer(ctx, orderID)
	return plan, nil
}

// Assign gives the order's delivery to courierID, creating the task on first
// assignment. Customer coordinates are geocoded before the transaction opens.
func (s *Service) Assign(ctx context.Context, actor entity.Actor, orderID int64, courierID string, eta *time.Time) (*entity.DeliveryTask, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.Assign", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	plan, err := s.planAssignment(ctx, actor, orderID, courierID, eta)
	if err != nil {
		return nil, err
	}

	var (
		task    *entity.DeliveryTask
		created bool
	)
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		order, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		task, created, err = s.assignInTx(ctx, tx, actor, order, plan)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assign failed")
		return nil, translate(err, "failed to assign delivery")
	}

	s.orderSvc.Invalidate(ctx, orderID)
	s.afterAssign(ctx, task, plan, created)
	return task, nil
}

// assignInTx creates or reassigns the task of a locked SHIPPED order.
func (s *Service) assignInTx(ctx context.Context, tx bun.IDB, actor entity.Actor, order *entity.Order, plan *assignment) (*entity.DeliveryTask, bool, error) {
	deliveries := s.deliveries.WithTx(tx)
	task, err := deliveries.GetByOrderIDForUpdate(ctx, order.ID)
	if err != nil && !errors.Is(err, deliveryrepo.ErrNotFound) {
		return nil, false, err
	}
	if task != nil && task.Status == entity.DeliveryDelivered {
		return nil, false, duplicateTask(order.ID, task)
	}
	if order.Status != entity.OrderShipped {
		return nil, false, errorbank.Conflict(fmt.Sprintf("order is %s; couriers can only be assigned to SHIPPED orders", order.Status),
			errorbank.WithCode(errorbank.CodeInvalidTransition),
			errorbank.WithDetail("status", order.Status))
	}

	courierID := plan.courierID
	if task == nil {
		estimated := plan.estimated
		task = &entity.DeliveryTask{
			OrderID:               order.ID,
			DeliveryPersonID:      &courierID,
			Status:                entity.DeliveryInProgress,
			CustomerAddress:       order.ShippingAddress,
			EstimatedDeliveryTime: &estimated,
			CreatedAt:             plan.now,
			UpdatedAt:             plan.now,
		}
		if plan.coords != nil {
			task.CustomerLatitude = &plan.coords.Latitude
			task.CustomerLongitude = &plan.coords.Longitude
		}
		return task, true, deliveries.Create(ctx, task)
	}

	if task.Status != entity.DeliveryFailed && !actor.IsAdmin() && task.DeliveryPersonID != nil && !task.AssignedTo(courierID) {
		return nil, false, errorbank.Conflict("delivery already claimed by another courier",
			errorbank.WithCode(errorbank.CodeDuplicateTask),
			errorbank.WithDetail("task_id", task.ID))
	}
	estimated := plan.estimated
	task.DeliveryPersonID = &courierID
	task.Status = entity.DeliveryInProgress
	task.EstimatedDeliveryTime = &estimated
	task.UpdatedAt = plan.now
	columns := []string{"delivery_person_id", "status", "estimated_delivery_time"}
	if task.CustomerLatitude == nil && plan.coords != nil {
		task.CustomerLatitude = &plan.coords.Latitude
		task.CustomerLongitude = &plan.coords.Longitude
		columns = append(columns, "customer_latitude", "customer_longitude")
	}
	return task, false, deliveries.Update(ctx, task, columns...)
}

func (s *Service) afterAssign(ctx context.Context, task *entity.DeliveryTask, plan *assignment, created bool) {
	s.invalidateTracking(ctx, task.ID)
	s.events.Notify(ctx, event.OrderKey(task.OrderID), event.DeliveryAssigned, event.DeliveryPayload{
		TaskID:           task.ID,
		OrderID:          task.OrderID,
		DeliveryPersonID: plan.courierID,
		Status:           string(task.Status),
	})
	s.logger.Info("delivery assigned",
		zap.Int64("task_id", task.ID),
		zap.Int64("order_id", task.OrderID),
		zap.String("courier_id", plan.courierID),
		zap.Bool("created", created),
		zap.Bool("geocoded", task.CustomerLatitude != nil),
	)
}

// resolveCustomer geocodes the order's address when no task exists yet.
func (s *Service) resolveCustomer(ctx context.Context, orderID int64) *geocoding.Coordinates {
	if s.geocoder == nil {
		return nil
	}
	existing, err := s.deliveries.GetByOrderID(ctx, orderID)
	if err == nil && existing.CustomerLatitude != nil {
		return nil
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil
	}
	coords, err := s.geocoder.Geocode(ctx, order.ShippingAddress)
	if err != nil || coords == nil || !geo.Finite(coords.Latitude, coords.Longitude) {
		s.logger.Warn("geocoding failed; delivery will track by address only",
			zap.Int64("order_id", orderID),
			zap.String("address", order.ShippingAddress),
			zap.Error(err),
		)
		return nil
	}
	return coords
}

// Available lists shipped orders waiting for a courier.
func (s *Service) Available(ctx context.Context, actor entity.Actor) ([]*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.Available")
	defer span.End()

	if !actor.IsAdmin() && actor.Role != entity.RoleDelivery {
		return nil, errorbank.Forbidden("only couriers and admins may browse available deliveries")
	}
	orders, err := s.orders.ListAwaitingCourier(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, errorbank.Internal("failed to list available deliveries", errorbank.WithCause(err))
	}
	return orders, nil
}

// ListInput filters and pages delivery task listings.
type ListInput struct {
	DeliveryPersonID string
	Status           entity.DeliveryStatus
	Page             int
	Limit            int
}

// List returns delivery tasks. Couriers only ever see their own.
func (s *Service) List(ctx context.Context, actor entity.Actor, in ListInput) ([]*entity.DeliveryTask, int, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.List")
	defer span.End()

	switch {
	case actor.IsAdmin():
	case actor.Role == entity.RoleDelivery:
		in.DeliveryPersonID = actor.ID
	default:
		return nil, 0, errorbank.Forbidden("only couriers and admins may list deliveries")
	}
	if in.Limit <= 0 || in.Limit > 100 {
		in.Limit = 20
	}
	if in.Page <= 0 {
		in.Page = 1
	}
	tasks, total, err := s.deliveries.List(ctx, deliveryrepo.Filter{
		DeliveryPersonID: in.DeliveryPersonID,
		Status:           in.Status,
		Limit:            in.Limit,
		Offset:           (in.Page - 1) * in.Limit,
	})
	if err != nil {
		span.RecordError(err)
		return nil, 0, errorbank.Internal("failed to list deliveries", errorbank.WithCause(err))
	}
	return tasks, total, nil
}

// Get returns one task to an admin, its courier or the ordering client.
func (s *Service) Get(ctx context.Context, actor entity.Actor, taskID int64) (*entity.DeliveryTask, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.Get", trace.WithAttributes(attribute.Int64("task.id", taskID)))
	defer span.End()

	task, err := s.deliveries.GetByID(ctx, taskID)
	if errors.Is(err, deliveryrepo.ErrNotFound) {
		return nil, taskNotFound(taskID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, errorbank.Internal("failed to load delivery", errorbank.WithCause(err))
	}
	if err := s.authorizeViewer(ctx, actor, task.OrderID, task.DeliveryPersonID); err != nil {
		return nil, err
	}
	return task, nil
}

// Tracking is the live view a client polls while waiting for a delivery.
type Tracking struct {
	TaskID            int64                 `json:"task_id"`
	OrderID           int64                 `json:"order_id"`
	ClientID          string                `json:"client_id"`
	DeliveryPersonID  *string               `json:"delivery_person_id,omitempty"`
	Status            entity.DeliveryStatus `json:"status"`
	CustomerAddress   string                `json:"customer_address"`
	CustomerLatitude  *float64              `json:"customer_latitude,omitempty"`
	CustomerLongitude *float64              `json:"customer_longitude,omitempty"`
	CurrentLatitude   *float64              `json:"current_latitude,omitempty"`
	CurrentLongitude  *float64              `json:"current_longitude,omitempty"`
	RecordedAt        *time.Time            `json:"recorded_at,omitempty"`
	EstimatedDelivery *time.Time            `json:"estimated_delivery_time,omitempty"`
	DistanceKm        *float64              `json:"distance_km,omitempty"`
	ETAMinutes        *float64              `json:"eta_minutes,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Track returns the courier position with distance and ETA to the customer
// when both points are known. Snapshots are cached briefly and dropped on every ping.
func (s *Service) Track(ctx context.Context, actor entity.Actor, taskID int64) (*Tracking, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.Track", trace.WithAttributes(attribute.Int64("task.id", taskID)))
	defer span.End()

	var snapshot Tracking
	err := cache.GetJSON(ctx, s.cache, cache.TrackingKey(taskID), &snapshot)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("tracking cache read failed", zap.Int64("task_id", taskID), zap.Error(err))
		}
		built, err := s.buildTracking(ctx, taskID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		snapshot = *built
		if s.trackingTTL > 0 {
			if err := cache.SetJSON(ctx, s.cache, cache.TrackingKey(taskID), snapshot, s.trackingTTL); err != nil {
				s.logger.Warn("tracking cache write failed", zap.Int64("task_id", taskID), zap.Error(err))
			}
		}
	}

	if !actor.IsAdmin() && !(actor.Role == entity.RoleClient && actor.ID == snapshot.ClientID) &&
		!(actor.Role == entity.RoleDelivery && snapshot.DeliveryPersonID != nil && *snapshot.DeliveryPersonID == actor.ID) {
		return nil, errorbank.Forbidden("not allowed to track this delivery")
	}
	return &snapshot, nil
}

func (s *Service) buildTracking(ctx context.Context, taskID int64) (*Tracking, error) {
	task, err := s.deliveries.GetByID(ctx, taskID)
	if errors.Is(err, deliveryrepo.ErrNotFound) {
		return nil, taskNotFound(taskID)
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load delivery", errorbank.WithCause(err))
	}
	order, err := s.orders.GetByID(ctx, task.OrderID)
	if err != nil {
		return nil, errorbank.Internal("failed to load delivery order", errorbank.WithCause(err))
	}

	t := &Tracking{
		TaskID:            task.ID,
		OrderID:           task.OrderID,
		ClientID:          order.ClientID,
		DeliveryPersonID:  task.DeliveryPersonID,
		Status:            task.Status,
		CustomerAddress:   task.CustomerAddress,
		CustomerLatitude:  task.CustomerLatitude,
		CustomerLongitude: task.CustomerLongitude,
		CurrentLatitude:   task.CurrentLatitude,
		CurrentLongitude:  task.CurrentLongitude,
		RecordedAt:        task.LocationRecordedAt,
		EstimatedDelivery: task.EstimatedDeliveryTime,
		UpdatedAt:         task.UpdatedAt,
	}
	if task.CurrentLatitude != nil && task.CurrentLongitude != nil &&
		task.CustomerLatitude != nil && task.CustomerLongitude != nil {
		d := geo.DistanceKm(*task.CurrentLatitude, *task.CurrentLongitude, *task.CustomerLatitude, *task.CustomerLongitude)
		eta := geo.ETAMinutes(d, s.avgSpeedKmh)
		t.DistanceKm = &d
		t.ETAMinutes = &eta
	}
	return t, nil
}

// LocationResult reports whether a ping moved the stored position.
type LocationResult struct {
	Task    *entity.DeliveryTask
	Applied bool
}

// ReportLocation stores the assigned courier's position. When recordedAt is
// given and older than the stored fix the ping is ignored; without it the
// latest write wins.
func (s *Service) ReportLocation(ctx context.Context, actor entity.Actor, taskID int64, lat, lng float64, recordedAt *time.Time) (*LocationResult, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.ReportLocation", trace.WithAttributes(attribute.Int64("task.id", taskID)))
	defer span.End()

	if !geo.Finite(lat, lng) {
		s.countPing(ctx, "invalid")
		return nil, errorbank.BadRequest("latitude and longitude must be finite numbers")
	}

	now := s.now()
	stamp := now
	if recordedAt != nil {
		stamp = recordedAt.UTC()
	}

	result := &LocationResult{}
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		deliveries := s.deliveries.WithTx(tx)
		task, err := deliveries.GetForUpdate(ctx, taskID)
		if errors.Is(err, deliveryrepo.ErrNotFound) {
			return taskNotFound(taskID)
		}
		if err != nil {
			return err
		}
		result.Task = task
		if !task.AssignedTo(actor.ID) || actor.Role != entity.RoleDelivery {
			return errorbank.Forbidden("only the assigned courier may report this delivery's location",
				errorbank.WithDetail("task_id", taskID))
		}
		if task.Status.Terminal() {
			return errorbank.Conflict(fmt.Sprintf("delivery is already %s", task.Status),
				errorbank.WithCode(errorbank.CodeInvalidTransition),
				errorbank.WithDetail("status", task.Status))
		}
		// Device clocks are only compared with device clocks.
		if recordedAt != nil && task.LocationFromDevice && task.LocationRecordedAt != nil &&
			stamp.Before(*task.LocationRecordedAt) {
			return nil
		}

		task.CurrentLatitude = &lat
		task.CurrentLongitude = &lng
		task.LocationRecordedAt = &stamp
		task.LocationFromDevice = recordedAt != nil
		task.UpdatedAt = now
		result.Applied = true
		return deliveries.Update(ctx, task, "current_latitude", "current_longitude", "location_recorded_at", "location_from_device")
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report location failed")
		s.countPing(ctx, "rejected")
		return nil, translate(err, "failed to record location")
	}

	if !result.Applied {
		s.countPing(ctx, "stale")
		s.logger.Debug("stale location ping ignored", zap.Int64("task_id", taskID), zap.Time("recorded_at", stamp))
		return result, nil
	}
	s.countPing(ctx, "applied")
	s.invalidateTracking(ctx, taskID)
	return result, nil
}

func (s *Service) countPing(ctx context.Context, outcome string) {
	s.pings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Complete marks the task delivered and the order DELIVERED in one transaction.
func (s *Service) Complete(ctx context.Context, actor entity.Actor, taskID int64) (*entity.DeliveryTask, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.Complete", trace.WithAttributes(attribute.Int64("task.id", taskID)))
	defer span.End()

	var (
		task  *entity.DeliveryTask
		order *entity.Order
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		task, err = s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := authorizeCourierOrAdmin(actor, task); err != nil {
			return err
		}
		if task.Status != entity.DeliveryInProgress {
			return errorbank.Conflict(fmt.Sprintf("delivery is %s and cannot be completed", task.Status),
				errorbank.WithCode(errorbank.CodeInvalidTransition),
				errorbank.WithDetail("status", task.Status))
		}
		order, err = s.lockOrder(ctx, tx, task.OrderID)
		if err != nil {
			return err
		}
		if err := s.orderSvc.TransitionInTx(ctx, tx, order, entity.OrderDelivered, "delivered by "+actor.String()); err != nil {
			return err
		}
		return s.finishTask(ctx, tx, task, entity.DeliveryDelivered)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
		return nil, translate(err, "failed to complete delivery")
	}

	s.afterFinish(ctx, actor, task, order, entity.OrderShipped, event.DeliveryCompleted, "")
	return task, nil
}

// Fail records an unsuccessful delivery. The order stays SHIPPED so it can be
// released to a courier again.
func (s *Service) Fail(ctx context.Context, actor entity.Actor, taskID int64, reason string) (*entity.DeliveryTask, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.Fail", trace.WithAttributes(attribute.Int64("task.id", taskID)))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "no reason given"
	}

	var (
		task  *entity.DeliveryTask
		order *entity.Order
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		task, err = s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := authorizeCourierOrAdmin(actor, task); err != nil {
			return err
		}
		if task.Status.Terminal() {
			return errorbank.Conflict(fmt.Sprintf("delivery is already %s", task.Status),
				errorbank.WithCode(errorbank.CodeInvalidTransition),
				errorbank.WithDetail("status", task.Status))
		}
		order, err = s.lockOrder(ctx, tx, task.OrderID)
		if err != nil {
			return err
		}
		now := s.now()
		order.AppendNote(now, fmt.Sprintf("Delivery failed (%s): %s", actor, reason))
		order.UpdatedAt = now
		if err := s.orders.WithTx(tx).Update(ctx, order, "notes"); err != nil {
			return err
		}
		task.Status = entity.DeliveryFailed
		task.UpdatedAt = now
		return s.deliveries.WithTx(tx).Update(ctx, task, "status")
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fail failed")
		return nil, translate(err, "failed to record failed delivery")
	}

	s.afterFinish(ctx, actor, task, order, order.Status, event.DeliveryFailed, reason)
	return task, nil
}

// CashResult is the outcome of confirming a cash collection.
type CashResult struct {
	Order *entity.Order
	Task  *entity.DeliveryTask
}

// ConfirmCashPaymentAndFinalize records cash collected at the door: payment
// CONFIRMED, order DELIVERED and task delivered, all in one transaction.
// Couriers may only confirm their own SHIPPED deliveries. Admins may confirm
// any non-terminal cash order; before SHIPPED only the payment is confirmed.
func (s *Service) ConfirmCashPaymentAndFinalize(ctx context.Context, actor entity.Actor, orderID int64) (*CashResult, error) {
	ctx, span := serviceTracer.Start(ctx, "DeliveryService.ConfirmCashPaymentAndFinalize", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	if !actor.IsAdmin() && actor.Role != entity.RoleDelivery {
		return nil, errorbank.Forbidden("only couriers and admins may confirm cash payments")
	}

	var (
		order *entity.Order
		task  *entity.DeliveryTask
		from  entity.OrderStatus
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		order, err = s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		task, err = s.deliveries.WithTx(tx).GetByOrderIDForUpdate(ctx, orderID)
		if err != nil && !errors.Is(err, deliveryrepo.ErrNotFound) {
			return err
		}

		if actor.Role == entity.RoleDelivery {
			if task == nil || !task.AssignedTo(actor.ID) {
				return errorbank.Forbidden("only the assigned courier may confirm this cash payment")
			}
			if task.Status != entity.DeliveryInProgress {
				return errorbank.Conflict(fmt.Sprintf("delivery is %s; cash can only be confirmed on an active delivery", task.Status),
					errorbank.WithCode(errorbank.CodeInvalidTransition),
					errorbank.WithDetail("status", task.Status))
			}
			if order.Status != entity.OrderShipped {
				return errorbank.Conflict(fmt.Sprintf("order is %s; cash can only be confirmed for SHIPPED orders", order.Status),
					errorbank.WithCode(errorbank.CodeInvalidTransition))
			}
		} else if order.Status.Terminal() {
			return errorbank.Conflict(fmt.Sprintf("order is already %s", order.Status),
				errorbank.WithCode(errorbank.CodeInvalidTransition))
		} else if order.Status == entity.OrderShipped && task != nil && task.Status == entity.DeliveryFailed {
			return errorbank.Conflict("delivery failed; reassign a courier before confirming cash",
				errorbank.WithCode(errorbank.CodeInvalidTransition),
				errorbank.WithDetail("status", task.Status))
		}
		if order.PaymentMethod != entity.PaymentMethodCash {
			return errorbank.BadRequest("only cash orders can be confirmed at delivery",
				errorbank.WithCode(errorbank.CodeInvalidPaymentMethod),
				errorbank.WithDetail("payment_method", order.PaymentMethod))
		}
		if order.PaymentStatus == entity.PaymentConfirmed {
			return errorbank.Conflict("payment already confirmed", errorbank.WithCode(errorbank.CodePaymentAlreadyConfirmed))
		}

		now := s.now()
		from = order.Status
		order.PaymentStatus = entity.PaymentConfirmed
		order.UpdatedAt = now
		order.AppendNote(now, "Cash payment collected by "+actor.String())
		if err := s.orders.WithTx(tx).Update(ctx, order, "payment_status", "notes"); err != nil {
			return err
		}
		if order.Status != entity.OrderShipped {
			return nil
		}
		if err := s.orderSvc.TransitionInTx(ctx, tx, order, entity.OrderDelivered, "cash collected"); err != nil {
			return err
		}
		if task == nil || task.Status == entity.DeliveryDelivered {
			return nil
		}
		return s.finishTask(ctx, tx, task, entity.DeliveryDelivered)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm cash failed")
		return nil, translate(err, "failed to confirm cash payment")
	}

	if task != nil && task.Status == entity.DeliveryDelivered {
		s.afterFinish(ctx, actor, task, order, from, event.DeliveryCompleted, "cash collected")
	} else {
		s.orderSvc.AfterTransition(ctx, order, from, actor)
	}
	s.events.Notify(ctx, event.OrderKey(orderID), event.CashPaymentFinalize, event.OrderStatusChangedPayload{
		OrderID:       order.ID,
		From:          string(from),
		To:            string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Actor:         actor.String(),
	})
	return &CashResult{Order: order, Task: task}, nil
}

func (s *Service) finishTask(ctx context.Context, tx bun.IDB, task *entity.DeliveryTask, status entity.DeliveryStatus) error {
	now := s.now()
	task.Status = status
	task.UpdatedAt = now
	columns := []string{"status"}
	if status == entity.DeliveryDelivered {
		task.DeliveredAt = &now
		columns = append(columns, "delivered_at")
	}
	return s.deliveries.WithTx(tx).Update(ctx, task, columns...)
}

func (s *Service) afterFinish(ctx context.Context, actor entity.Actor, task *entity.DeliveryTask, order *entity.Order, from entity.OrderStatus, typ event.Type, reason string) {
	s.invalidateTracking(ctx, task.ID)
	s.orderSvc.AfterTransition(ctx, order, from, actor)
	payload := event.DeliveryPayload{
		TaskID:  task.ID,
		OrderID: task.OrderID,
		Status:  string(task.Status),
		Reason:  reason,
	}
	if task.DeliveryPersonID != nil {
		payload.DeliveryPersonID = *task.DeliveryPersonID
	}
	s.events.Notify(ctx, event.OrderKey(task.OrderID), typ, payload)
	s.logger.Info("delivery finished",
		zap.Int64("task_id", task.ID),
		zap.Int64("order_id", task.OrderID),
		zap.String("status", string(task.Status)),
		zap.Stringer("actor", actor),
	)
}

func (s *Service) lockOrder(ctx context.Context, tx bun.IDB, orderID int64) (*entity.Order, error) {
	order, err := s.orders.WithTx(tx).GetForUpdate(ctx, orderID)
	if errors.Is(err, orderrepo.ErrNotFound) {
		return nil, errorbank.NotFound("order not found",
			errorbank.WithCode(errorbank.CodeOrderNotFound),
			errorbank.WithDetail("order_id", orderID))
	}
	return order, err
}

func (s *Service) lockTask(ctx context.Context, tx bun.IDB, taskID int64) (*entity.DeliveryTask, error) {
	task, err := s.deliveries.WithTx(tx).GetForUpdate(ctx, taskID)
	if errors.Is(err, deliveryrepo.ErrNotFound) {
		return nil, taskNotFound(taskID)
	}
	return task, err
}

func (s *Service) authorizeViewer(ctx context.Context, actor entity.Actor, orderID int64, courierID *string) error {
	switch {
	case actor.IsAdmin():
		return nil
	case actor.Role == entity.RoleDelivery && courierID != nil && *courierID == actor.ID:
		return nil
	case actor.Role == entity.RoleClient:
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return errorbank.Internal("failed to load delivery order", errorbank.WithCause(err))
		}
		if order.ClientID == actor.ID {
			return nil
		}
	}
	return errorbank.Forbidden("not allowed to view this delivery")
}

func authorizeCourierOrAdmin(actor entity.Actor, task *entity.DeliveryTask) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.Role == entity.RoleDelivery && task.AssignedTo(actor.ID) {
		return nil
	}
	return errorbank.Forbidden("only the assigned courier or an admin may finish this delivery",
		errorbank.WithDetail("task_id", task.ID))
}

func (s *Service) invalidateTracking(ctx context.Context, taskID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.TrackingKey(taskID)); err != nil {
		s.logger.Warn("tracking cache delete failed", zap.Int64("task_id", taskID), zap.Error(err))
	}
}

func duplicateTask(orderID int64, task *entity.DeliveryTask) error {
	return errorbank.Conflict("order already has a delivery task",
		errorbank.WithCode(errorbank.CodeDuplicateTask),
		errorbank.WithDetail("order_id", orderID),
		errorbank.WithDetail("task_id", task.ID),
		errorbank.WithDetail("status", task.Status))
}

func taskNotFound(id int64) error {
	return errorbank.NotFound("delivery task not found",
		errorbank.WithCode(errorbank.CodeTaskNotFound),
		errorbank.WithDetail("task_id", id))
}

func translate(err error, message string) error {
	var appErr *errorbank.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return errorbank.Internal(message, errorbank.WithCause(err))
}
