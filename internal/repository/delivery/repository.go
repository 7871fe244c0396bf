package delivery

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

var repoTracer = otel.Tracer("github.com/Additional-Code/remedio/repository/delivery")

// ErrNotFound is returned when a delivery task is missing.
var ErrNotFound = errors.New("delivery task not found")

// Filter narrows delivery task listings.
type Filter struct {
	DeliveryPersonID string
	Status           entity.DeliveryStatus
	Limit            int
	Offset           int
}

// Repository encapsulates read/write access for delivery tasks.
type Repository struct {
	writer bun.IDB
	reader bun.IDB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{writer: conns.Writer, reader: conns.Reader}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx bun.IDB) *Repository {
	return &Repository{writer: tx, reader: tx}
}

// Create inserts a task; the unique order_id index rejects a second task per order.
func (r *Repository) Create(ctx context.Context, task *entity.DeliveryTask) error {
	ctx, span := repoTracer.Start(ctx, "DeliveryRepository.Create", trace.WithAttributes(attribute.Int64("delivery.order_id", task.OrderID)))
	defer span.End()

	_, err := r.writer.NewInsert().Model(task).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches a task using the read replica when available.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.DeliveryTask, error) {
	ctx, span := repoTracer.Start(ctx, "DeliveryRepository.GetByID", trace.WithAttributes(attribute.Int64("delivery.id", id)))
	defer span.End()

	task := new(entity.DeliveryTask)
	if err := r.reader.NewSelect().Model(task).Where("dt.id = ?", id).Scan(ctx); err != nil {
		return nil, finish(span, err)
	}
	return task, nil
}

// GetForUpdate loads a task and locks its row.
func (r *Repository) GetForUpdate(ctx context.Context, id int64) (*entity.DeliveryTask, error) {
	ctx, span := repoTracer.Start(ctx, "DeliveryRepository.GetForUpdate", trace.WithAttributes(attribute.Int64("delivery.id", id)))
	defer span.End()

	task := new(entity.DeliveryTask)
	q := r.writer.NewSelect().Model(task).Where("dt.id = ?", id)
	if err := database.ForUpdate(r.writer, q).Scan(ctx); err != nil {
		return nil, finish(span, err)
	}
	return task, nil
}

// GetByOrderID fetches the task for orderID without locking it.
func (r *Repository) GetByOrderID(ctx context.Context, orderID int64) (*entity.DeliveryTask, error) {
	ctx, span := repoTracer.Start(ctx, "DeliveryRepository.GetByOrderID", trace.WithAttributes(attribute.Int64("delivery.order_id", orderID)))
	defer span.End()

	task := new(entity.DeliveryTask)
	if err := r.reader.NewSelect().Model(task).Where("dt.order_id = ?", orderID).Scan(ctx); err != nil {
		return nil, finish(span, err)
	}
	return task, nil
}

// GetByOrderIDForUpdate loads and locks the task for orderID.
func (r *Repository) GetByOrderIDForUpdate(ctx context.Context, orderID int64) (*entity.DeliveryTask, error) {
	ctx, span := repoTracer.Start(ctx, "DeliveryRepository.GetByOrderIDForUpdate", trace.WithAttributes(attribute.Int64("delivery.order_id", orderID)))
	defer span.End()

	task := new(entity.DeliveryTask)
	q := r.writer.NewSelect().Model(task).Where("dt.order_id = ?", orderID)
	if err := database.ForUpdate(r.writer, q).Scan(ctx); err != nil {
		return nil, finish(span, err)
	}
	return task, nil
}

// Update writes the given columns of task and bumps updated_at.
func (r *Repository) Update(ctx context.Context, task *entity.DeliveryTask, columns ...string) error {
	ctx, span := repoTracer.Start(ctx, "DeliveryRepository.Update", trace.WithAttributes(attribute.Int64("delivery.id", task.ID)))
	defer span.End()

	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now().UTC()
	}
	_, err := r.writer.NewUpdate().Model(task).Column(append(columns, "updated_at")...).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// List returns a page of tasks, newest first, with the total match count.
func (r *Repository) List(ctx context.Context, f Filter) ([]*entity.DeliveryTask, int, error) {
	ctx, span := repoTracer.Start(ctx, "DeliveryRepository.List")
	defer span.End()

	var tasks []*entity.DeliveryTask
	q := r.reader.NewSelect().Model(&tasks).OrderExpr("dt.created_at DESC, dt.id DESC")
	if f.DeliveryPersonID != "" {
		q = q.Where("dt.delivery_person_id = ?", f.DeliveryPersonID)
	}
	if f.Status != "" {
		q = q.Where("dt.status = ?", f.Status)
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
	return tasks, total, nil
}

func finish(span trace.Span, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return ErrNotFound
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "select failed")
	return err
}
