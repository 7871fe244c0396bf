package delivery

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/remedio/internal/dto"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/presentation/http/actor"
	"github.com/Additional-Code/remedio/internal/presentation/http/request"
	"github.com/Additional-Code/remedio/internal/presentation/http/response"
	service "github.com/Additional-Code/remedio/internal/service/delivery"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/remedio/transport/http/delivery")

// Handler exposes courier assignment and tracking.
type Handler struct {
	svc *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/deliveries")
	g.POST("", h.release)
	g.GET("", h.list)
	g.GET("/available", h.available)
	g.GET("/:id", h.getByID)
	g.PUT("/:id/location", h.reportLocation)
	g.GET("/:id/location", h.track)
	g.POST("/:id/complete", h.complete)
	g.POST("/:id/fail", h.fail)
}

func (h *Handler) release(c echo.Context) error {
	b := response.New(c)

	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.CreateDeliveryRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.OrderID <= 0 {
		return b.WithError(errorbank.BadRequest("order_id is required")).Build()
	}
	courierID := strings.TrimSpace(payload.DeliveryPersonID)
	if courierID == "" && who.Role == entity.RoleDelivery {
		courierID = who.ID
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.release", trace.WithAttributes(
		attribute.Int64("order.id", payload.OrderID),
		attribute.Bool("delivery.with_courier", courierID != ""),
	))
	defer span.End()

	res, err := h.svc.Release(ctx, who, payload.OrderID, courierID, payload.EstimatedDeliveryTime)
	if err != nil {
		return b.WithError(err).Build()
	}
	status := http.StatusOK
	if res.Task != nil {
		status = http.StatusCreated
	}
	return b.WithStatus(status).WithData(dto.OrderDeliveryResponse{
		Order: dto.NewOrderResponse(res.Order),
		Task:  dto.NewDeliveryResponse(res.Task),
	}).Build()
}

func (h *Handler) list(c echo.Context) error {
	b := response.New(c)

	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	in := service.ListInput{DeliveryPersonID: c.QueryParam("delivery_person_id")}
	if raw := c.QueryParam("status"); raw != "" {
		status, err := entity.ParseDeliveryStatus(raw)
		if err != nil {
			return b.WithError(errorbank.BadRequest("invalid status filter", errorbank.WithCause(err))).Build()
		}
		in.Status = status
	}
	in.Page, in.Limit = request.Paging(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.list")
	defer span.End()

	tasks, total, err := h.svc.List(ctx, who, in)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewDeliveryResponses(tasks)).WithPage(total, in.Page, in.Limit).Build()
}

func (h *Handler) available(c echo.Context) error {
	b := response.New(c)

	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.available")
	defer span.End()

	orders, err := h.svc.Available(ctx, who)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewOrderResponses(orders)).WithMeta("total", len(orders)).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, who, err := taskRequest(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.getByID", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	task, err := h.svc.Get(ctx, who, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewDeliveryResponse(task)).Build()
}

func (h *Handler) reportLocation(c echo.Context) error {
	b := response.New(c)

	id, who, err := taskRequest(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.LocationRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.Latitude == nil || payload.Longitude == nil {
		return b.WithError(errorbank.BadRequest("latitude and longitude are required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.reportLocation", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	res, err := h.svc.ReportLocation(ctx, who, id, *payload.Latitude, *payload.Longitude, payload.RecordedAt)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewDeliveryResponse(res.Task)).WithMeta("applied", res.Applied).Build()
}

func (h *Handler) track(c echo.Context) error {
	b := response.New(c)

	id, who, err := taskRequest(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.track", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	tracking, err := h.svc.Track(ctx, who, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(tracking).Build()
}

func (h *Handler) complete(c echo.Context) error {
	b := response.New(c)

	id, who, err := taskRequest(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.complete", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	task, err := h.svc.Complete(ctx, who, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewDeliveryResponse(task)).Build()
}

func (h *Handler) fail(c echo.Context) error {
	b := response.New(c)

	id, who, err := taskRequest(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.FailDeliveryRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.fail", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	task, err := h.svc.Fail(ctx, who, id, payload.Reason)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewDeliveryResponse(task)).Build()
}

func taskRequest(c echo.Context) (int64, entity.Actor, error) {
	id, err := request.ID(c, "id")
	if err != nil {
		return 0, entity.Actor{}, err
	}
	who, err := actor.From(c)
	if err != nil {
		return 0, entity.Actor{}, err
	}
	return id, who, nil
}
