package medication

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/remedio/repository/medication")

// ErrNotFound is returned when a medication is missing.
var ErrNotFound = errors.New("medication not found")

// Repository encapsulates catalog and stock access.
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

// Create inserts a medication.
func (r *Repository) Create(ctx context.Context, m *entity.Medication) error {
	ctx, span := repoTracer.Start(ctx, "MedicationRepository.Create", trace.WithAttributes(attribute.String("medication.name", m.Name)))
	defer span.End()

	_, err := r.writer.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches a medication by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Medication, error) {
	ctx, span := repoTracer.Start(ctx, "MedicationRepository.GetByID", trace.WithAttributes(attribute.Int64("medication.id", id)))
	defer span.End()

	m := new(entity.Medication)
	if err := r.reader.NewSelect().Model(m).Where("m.id = ?", id).Scan(ctx); err != nil {
		return nil, finish(span, err)
	}
	return m, nil
}

// GetForUpdate loads a medication and locks its stock row.
func (r *Repository) GetForUpdate(ctx context.Context, id int64) (*entity.Medication, error) {
	ctx, span := repoTracer.Start(ctx, "MedicationRepository.GetForUpdate", trace.WithAttributes(attribute.Int64("medication.id", id)))
	defer span.End()

	m := new(entity.Medication)
	q := r.writer.NewSelect().Model(m).Where("m.id = ?", id)
	if err := database.ForUpdate(r.writer, q).Scan(ctx); err != nil {
		return nil, finish(span, err)
	}
	return m, nil
}

// DecrementStock lowers stock by qty only when enough is available.
// It reports false when the guard fails.
func (r *Repository) DecrementStock(ctx context.Context, id int64, qty int) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "MedicationRepository.DecrementStock", trace.WithAttributes(
		attribute.Int64("medication.id", id),
		attribute.Int("medication.quantity", qty),
	))
	defer span.End()

	res, err := r.writer.NewUpdate().
		Model((*entity.Medication)(nil)).
		Set("stock = stock - ?", qty).
		Where("id = ?", id).
		Where("stock >= ?", qty).
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
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
