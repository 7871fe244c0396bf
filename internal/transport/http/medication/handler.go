package medication

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/remedio/internal/dto"
	"github.com/Additional-Code/remedio/internal/presentation/http/request"
	"github.com/Additional-Code/remedio/internal/presentation/http/response"
	service "github.com/Additional-Code/remedio/internal/service/medication"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/remedio/transport/http/medication")

// Handler exposes the medication catalog.
type Handler struct {
	svc *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

func Register(e *echo.Echo, h *Handler) {
	e.GET("/medications/:id", h.getByID)
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := request.ID(c, "id")
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "medications.getByID", trace.WithAttributes(attribute.Int64("medication.id", id)))
	defer span.End()

	m, err := h.svc.Get(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewMedicationResponse(m)).Build()
}
