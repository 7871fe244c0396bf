package order

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/remedio/internal/dto"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/presentation/http/actor"
	"github.com/Additional-Code/remedio/internal/presentation/http/request"
	"github.com/Additional-Code/remedio/internal/presentation/http/response"
	deliveryservice "github.com/Additional-Code/remedio/internal/service/delivery"
	service "github.com/Additional-Code/remedio/internal/service/order"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/remedio/transport/http/order")

// Handler exposes order endpoints over HTTP.
type Handler struct {
	svc        *service.Service
	deliveries *deliveryservice.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service, deliveries *deliveryservice.Service) *Handler {
	return &Handler{svc: svc, deliveries: deliveries}
}

// Register routes with provided Echo group.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.getByID)
	g.POST("/:id/transitions", h.transition)
	g.POST("/:id/confirm-cash-payment", h.confirmCash)
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := request.ID(c, "id")
	if err != nil {
		return b.WithError(err).Build()
	}
	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order, err := h.svc.View(ctx, who, id)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.NewOrderResponse(order)).Build()
}

func (h *Handler) list(c echo.Context) error {
	b := response.New(c)

	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	in := service.ListInput{ClientID: c.QueryParam("client_id")}
	if raw := c.QueryParam("status"); raw != "" {
		status, err := entity.ParseOrderStatus(raw)
		if err != nil {
			return b.WithError(errorbank.BadRequest("invalid status filter", errorbank.WithCause(err))).Build()
		}
		in.Status = status
	}
	in.Page, in.Limit = request.Paging(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.list")
	defer span.End()

	orders, total, err := h.svc.ListFor(ctx, who, in)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.NewOrderResponses(orders)).
		WithPage(total, in.Page, in.Limit).
		Build()
}

func (h *Handler) create(c echo.Context) error {
	b := response.New(c)

	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	if who.Role != entity.RoleClient {
		return b.WithError(errorbank.Forbidden("only clients may place orders")).Build()
	}

	var payload dto.CreateOrderRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	in := service.CreateInput{
		ClientID:        who.ID,
		ShippingAddress: payload.ShippingAddress,
		Notes:           payload.Notes,
	}
	if payload.PaymentMethod != "" {
		method, err := entity.ParsePaymentMethod(payload.PaymentMethod)
		if err != nil {
			return b.WithError(errorbank.BadRequest("invalid payment method",
				errorbank.WithCode(errorbank.CodeInvalidPaymentMethod),
				errorbank.WithCause(err))).Build()
		}
		in.PaymentMethod = method
	}
	for _, item := range payload.Items {
		in.Items = append(in.Items, service.Item{MedicationID: item.MedicationID, Quantity: item.Quantity})
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.create")
	span.SetAttributes(
		attribute.String("order.client_id", who.ID),
		attribute.Int("order.items", len(in.Items)),
	)
	defer span.End()

	order, err := h.svc.Create(ctx, in)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithStatus(http.StatusCreated).WithData(dto.NewOrderResponse(order)).Build()
}

func (h *Handler) transition(c echo.Context) error {
	b := response.New(c)

	id, err := request.ID(c, "id")
	if err != nil {
		return b.WithError(err).Build()
	}
	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.TransitionRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	target, err := entity.ParseOrderStatus(payload.Status)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid status", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.transition", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.target", string(target)),
	))
	defer span.End()

	order, err := h.svc.Transition(ctx, who, id, target, payload.Reason)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewOrderResponse(order)).Build()
}

func (h *Handler) confirmCash(c echo.Context) error {
	b := response.New(c)

	id, err := request.ID(c, "id")
	if err != nil {
		return b.WithError(err).Build()
	}
	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.confirmCash", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	res, err := h.deliveries.ConfirmCashPaymentAndFinalize(ctx, who, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.OrderDeliveryResponse{
		Order: dto.NewOrderResponse(res.Order),
		Task:  dto.NewDeliveryResponse(res.Task),
	}).Build()
}
