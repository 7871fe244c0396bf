package payment

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/remedio/internal/dto"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/gateway"
	"github.com/Additional-Code/remedio/internal/presentation/http/actor"
	"github.com/Additional-Code/remedio/internal/presentation/http/response"
	service "github.com/Additional-Code/remedio/internal/service/payment"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/remedio/transport/http/payment")

// Handler exposes gateway charges.
type Handler struct {
	svc *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/payments")
	g.POST("", h.charge)
	g.GET("/:id", h.status)
}

func (h *Handler) charge(c echo.Context) error {
	b := response.New(c)

	who, err := actor.From(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.ChargeRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.OrderID <= 0 {
		return b.WithError(errorbank.BadRequest("order_id is required")).Build()
	}
	method, err := entity.ParsePaymentMethod(payload.PaymentMethod)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid payment method",
			errorbank.WithCode(errorbank.CodeInvalidPaymentMethod),
			errorbank.WithCause(err))).Build()
	}
	if method != entity.PaymentMethodCash && !h.svc.Configured() {
		return b.WithError(errorbank.Unprocessable("payment gateway is not configured",
			errorbank.WithCode(errorbank.CodeGatewayUnavailable))).Build()
	}

	in := service.ChargeInput{
		OrderID: payload.OrderID,
		Method:  method,
		Customer: gateway.Customer{
			Name:    payload.Customer.Name,
			Email:   payload.Customer.Email,
			CPFCNPJ: payload.Customer.CPFCNPJ,
			Phone:   payload.Customer.Phone,
		},
	}
	if card := payload.CreditCard; card != nil {
		in.Card = &gateway.CreditCard{
			HolderName:  card.HolderName,
			Number:      card.Number,
			ExpiryMonth: card.ExpiryMonth,
			ExpiryYear:  card.ExpiryYear,
			CCV:         card.CCV,
		}
	}
	if holder := payload.Holder; holder != nil {
		in.Holder = &gateway.CardHolder{
			Name:          holder.Name,
			Email:         holder.Email,
			CPFCNPJ:       holder.CPFCNPJ,
			Phone:         holder.Phone,
			PostalCode:    holder.PostalCode,
			AddressNumber: holder.AddressNumber,
		}
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.charge", trace.WithAttributes(
		attribute.Int64("order.id", payload.OrderID),
		attribute.String("payment.method", string(method)),
	))
	defer span.End()

	res, err := h.svc.Charge(ctx, who, in)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(dto.ChargeResponse{
		OrderID: res.OrderID,
		Method:  string(method),
		Payment: dto.NewPaymentResponse(res.Payment),
	}).Build()
}

func (h *Handler) status(c echo.Context) error {
	b := response.New(c)

	if _, err := actor.From(c); err != nil {
		return b.WithError(err).Build()
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.status", trace.WithAttributes(attribute.String("payment.id", id)))
	defer span.End()

	res, err := h.svc.Status(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	resp := dto.NewPaymentResponse(res.Payment)
	if res.Known {
		resp.PaymentStatus = string(res.PaymentStatus)
	}
	return b.WithData(resp).Build()
}
