package webhook

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/dto"
	"github.com/Additional-Code/remedio/internal/presentation/http/response"
	service "github.com/Additional-Code/remedio/internal/service/payment"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

// TokenHeader carries the shared secret the gateway sends with each webhook.
const TokenHeader = "asaas-access-token"

var httpTracer = otel.Tracer("github.com/Additional-Code/remedio/transport/http/webhook")

// Handler receives payment gateway notifications.
type Handler struct {
	svc    *service.Service
	token  string
	logger *zap.Logger
}

func NewHandler(svc *service.Service, cfg config.Config, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, token: cfg.Gateway.WebhookToken, logger: logger}
}

func Register(e *echo.Echo, h *Handler) {
	e.GET("/webhooks/payments", h.alive)
	e.POST("/webhooks/payments", h.receive)
}

func (h *Handler) alive(c echo.Context) error {
	return response.New(c).WithData(map[string]string{"status": "listening"}).Build()
}

// receive acknowledges every notification it could process, matched or not,
// so the gateway stops retrying. Only internal failures return 5xx.
func (h *Handler) receive(c echo.Context) error {
	b := response.New(c)

	if h.token != "" && subtle.ConstantTimeCompare([]byte(c.Request().Header.Get(TokenHeader)), []byte(h.token)) != 1 {
		return b.WithError(errorbank.Unauthorized("invalid webhook token", errorbank.WithCode(errorbank.CodeUnauthorized))).Build()
	}

	var payload dto.WebhookRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.Payment == nil || payload.Payment.ID == "" {
		h.logger.Info("webhook without payment acknowledged", zap.String("event", payload.Event))
		return b.WithData(map[string]any{"received": true, "ignored": true}).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "webhooks.payments", trace.WithAttributes(
		attribute.String("payment.id", payload.Payment.ID),
		attribute.String("payment.event", payload.Event),
	))
	defer span.End()

	res, err := h.svc.HandleWebhook(ctx, service.Webhook{
		Event:     payload.Event,
		PaymentID: payload.Payment.ID,
		Status:    payload.Payment.Status,
	})
	if err != nil {
		appErr := errorbank.From(err)
		if appErr.StatusCode() < http.StatusInternalServerError {
			h.logger.Warn("webhook rejected", zap.String("payment_id", payload.Payment.ID), zap.Error(err))
		}
		return b.WithError(appErr).Build()
	}

	data := map[string]any{"received": true, "queued": res.Queued}
	if r := res.Reconcile; r != nil {
		data["order_found"] = !r.OrderNotFound
		if !r.OrderNotFound {
			data["order_id"] = r.OrderID
			data["order_status"] = r.OrderStatus
			data["payment_status"] = r.PaymentStatus
		}
	}
	return b.WithData(data).Build()
}
