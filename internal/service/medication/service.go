package medication

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/remedio/internal/entity"
	repo "github.com/Additional-Code/remedio/internal/repository/medication"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/remedio/service/medication")

// Service exposes read access to the medication catalog.
type Service struct {
	medications *repo.Repository
}

func NewService(medications *repo.Repository) *Service {
	return &Service{medications: medications}
}

// Get returns a medication with its live price and stock.
func (s *Service) Get(ctx context.Context, id int64) (*entity.Medication, error) {
	ctx, span := serviceTracer.Start(ctx, "MedicationService.Get", trace.WithAttributes(attribute.Int64("medication.id", id)))
	defer span.End()

	m, err := s.medications.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, errorbank.NotFound("medication not found",
			errorbank.WithCode(errorbank.CodeMedicationNotFound),
			errorbank.WithDetail("medication_id", id))
	}
	if err != nil {
		span.RecordError(err)
		return nil, errorbank.Internal("failed to load medication", errorbank.WithCause(err))
	}
	return m, nil
}
