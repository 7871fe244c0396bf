package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/remedio/repository/order")

// ErrNotFound is returned when an order is missing.
var ErrNotFound = errors.New("order not found")

// Filter narrows order listings.
type Filter struct {
	ClientID string
	Status   entity.OrderStatus
	Limit    int
	Offset   int
}

// Repository encapsulates read/write access for orders and their items.
type Repository struct {
	writer bun.IDB
	reader bun.IDB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// WithTx returns a repository bound to tx for both reads and writes.
func (r *Repository) WithTx(tx bun.IDB) *Repository {
	return &Repository{writer: tx, reader: tx}
}

// Create persists a new order and its items using the write connection.
func (r *Repository) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(attribute.String("order.client_id", order.ClientID)))
	defer span.End()

	if _, err := r.writer.NewInsert().Model(order).Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return err
	}
	if len(order.Items) == 0 {
		return nil
	}
	for _, item := range order.Items {
		item.OrderID = order.ID
	}
	if _, err := r.writer.NewInsert().Model(&order.Items).Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert items failed")
		return err
	}
	return nil
}

// GetByID fetches an order with its items using the read replica when available.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).Relation("Items").Where("o.id = ?", id).Scan(ctx)
	if err := r.finish(span, err); err != nil {
		return nil, err
	}
	return order, nil
}

// GetForUpdate loads an order and locks its row until the surrounding transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetForUpdate", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	q := r.writer.NewSelect().Model(order).Where("o.id = ?", id)
	if err := r.finish(span, database.ForUpdate(r.writer, q).Scan(ctx)); err != nil {
		return nil, err
	}
	return order, r.loadItems(ctx, order)
}

// GetByPaymentIDForUpdate locks the order referencing the gateway payment id.
func (r *Repository) GetByPaymentIDForUpdate(ctx context.Context, paymentID string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByPaymentIDForUpdate", trace.WithAttributes(attribute.String("order.payment_id", paymentID)))
	defer span.End()

	order := new(entity.Order)
	q := r.writer.NewSelect().Model(order).Where("o.payment_id = ?", paymentID).OrderExpr("o.id DESC").Limit(1)
	if err := r.finish(span, database.ForUpdate(r.writer, q).Scan(ctx)); err != nil {
		return nil, err
	}
	return order, nil
}

// Update writes the given columns of order and bumps updated_at.
func (r *Repository) Update(ctx context.Context, order *entity.Order, columns ...string) error {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Update", trace.WithAttributes(attribute.Int64("order.id", order.ID)))
	defer span.End()

	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	_, err := r.writer.NewUpdate().Model(order).Column(append(columns, "updated_at")...).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// List returns a page of orders, newest first, with the total match count.
func (r *Repository) List(ctx context.Context, f Filter) ([]*entity.Order, int, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.List")
	defer span.End()

	var orders []*entity.Order
	q := r.reader.NewSelect().Model(&orders).Relation("Items").OrderExpr("o.created_at DESC, o.id DESC")
	if f.ClientID != "" {
		q = q.Where("o.client_id = ?", f.ClientID)
	}
	if f.Status != "" {
		q = q.Where("o.status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	total, err := q.ScanAndCount(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, 0, err
	}
	return orders, total, nil
}

// ListAwaitingCourier returns shipped orders with no live delivery task. A failed
// task does not hold the order back.
func (r *Repository) ListAwaitingCourier(ctx context.Context) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListAwaitingCourier")
	defer span.End()

	var orders []*entity.Order
	err := r.reader.NewSelect().Model(&orders).
		Relation("Items").
		Where("o.status = ?", entity.OrderShipped).
		Where("NOT EXISTS (SELECT 1 FROM delivery_tasks AS dt WHERE dt.order_id = o.id AND dt.status <> ?)", entity.DeliveryFailed).
		OrderExpr("o.updated_at ASC, o.id ASC").
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return orders, nil
}

func (r *Repository) loadItems(ctx context.Context, order *entity.Order) error {
	var items []*entity.OrderItem
	if err := r.writer.NewSelect().Model(&items).Where("oi.order_id = ?", order.ID).OrderExpr("oi.id ASC").Scan(ctx); err != nil {
		return err
	}
	order.Items = items
	return nil
}

func (r *Repository) finish(span trace.Span, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
	}
	return err
}
