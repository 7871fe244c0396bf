package dto

import (
	"time"

	"github.com/Additional-Code/remedio/internal/entity"
)

// OrderItemRequest is one line of a checkout payload.
type OrderItemRequest struct {
	MedicationID int64 `json:"medication_id"`
	Quantity     int   `json:"quantity"`
}

// CreateOrderRequest is the checkout payload.
type CreateOrderRequest struct {
	Items           []OrderItemRequest `json:"items"`
	ShippingAddress string             `json:"shipping_address"`
	PaymentMethod   string             `json:"payment_method"`
	Notes           string             `json:"notes"`
}

// TransitionRequest asks for an order status change.
type TransitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// OrderItemResponse is an order line with its price snapshot.
type OrderItemResponse struct {
	MedicationID int64  `json:"medication_id"`
	Quantity     int    `json:"quantity"`
	Price        string `json:"price"`
	Subtotal     string `json:"subtotal"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID              int64               `json:"id"`
	ClientID        string              `json:"client_id"`
	Status          string              `json:"status"`
	TotalPrice      string              `json:"total_price"`
	ShippingAddress string              `json:"shipping_address"`
	PaymentID       *string             `json:"payment_id,omitempty"`
	PaymentMethod   string              `json:"payment_method"`
	PaymentStatus   string              `json:"payment_status"`
	Notes           string              `json:"notes,omitempty"`
	Items           []OrderItemResponse `json:"items,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewOrderResponse maps an order entity.
func NewOrderResponse(o *entity.Order) OrderResponse {
	resp := OrderResponse{
		ID:              o.ID,
		ClientID:        o.ClientID,
		Status:          string(o.Status),
		TotalPrice:      o.TotalPrice.StringFixed(2),
		ShippingAddress: o.ShippingAddress,
		PaymentID:       o.PaymentID,
		PaymentMethod:   string(o.PaymentMethod),
		PaymentStatus:   string(o.PaymentStatus),
		Notes:           o.Notes,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, OrderItemResponse{
			MedicationID: item.MedicationID,
			Quantity:     item.Quantity,
			Price:        item.Price.StringFixed(2),
			Subtotal:     item.Subtotal().StringFixed(2),
		})
	}
	return resp
}

// NewOrderResponses maps a page of orders.
func NewOrderResponses(orders []*entity.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, NewOrderResponse(o))
	}
	return out
}
