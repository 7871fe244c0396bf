// Package lifecycle holds the order status state machine shared by the
// order, payment and delivery services.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

// Check validates moving order to target without mutating it.
func Check(order *entity.Order, target entity.OrderStatus) error {
	from := order.Status
	if !from.CanTransitionTo(target) {
		msg := fmt.Sprintf("cannot change order status from %s to %s", from, target)
		if from.Terminal() {
			msg = fmt.Sprintf("order is already %s and cannot change status", from)
		}
		return errorbank.Conflict(msg,
			errorbank.WithCode(errorbank.CodeInvalidTransition),
			errorbank.WithDetail("from", from),
			errorbank.WithDetail("to", target),
			errorbank.WithDetail("allowed", from.AllowedTransitions()),
		)
	}

	if from == entity.OrderPending && target != entity.OrderCancelled {
		if order.PaymentMethod != entity.PaymentMethodCash && order.PaymentStatus != entity.PaymentConfirmed {
			return errorbank.Unprocessable("payment not yet confirmed",
				errorbank.WithCode(errorbank.CodePaymentNotConfirmed),
				errorbank.WithDetail("payment_method", order.PaymentMethod),
				errorbank.WithDetail("payment_status", order.PaymentStatus),
			)
		}
	}
	return nil
}

// Apply validates and applies the transition, recording it in the notes.
func Apply(order *entity.Order, target entity.OrderStatus, at time.Time, reason string) error {
	if err := Check(order, target); err != nil {
		return err
	}
	line := fmt.Sprintf("Status: %s -> %s", order.Status, target)
	if reason != "" {
		line += " (" + reason + ")"
	}
	order.Status = target
	order.UpdatedAt = at
	order.AppendNote(at, line)
	return nil
}
