package dto

import (
	"time"

	"github.com/Additional-Code/remedio/internal/entity"
)

// CreateDeliveryRequest releases an order, optionally straight to a courier.
type CreateDeliveryRequest struct {
	OrderID               int64      `json:"order_id"`
	DeliveryPersonID      string     `json:"delivery_person_id"`
	EstimatedDeliveryTime *time.Time `json:"estimated_delivery_time"`
}

// LocationRequest is a courier position ping.
type LocationRequest struct {
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// FailDeliveryRequest explains a failed delivery.
type FailDeliveryRequest struct {
	Reason string `json:"reason"`
}

// DeliveryResponse represents a delivery task.
type DeliveryResponse struct {
	ID                    int64      `json:"id"`
	OrderID               int64      `json:"order_id"`
	DeliveryPersonID      *string    `json:"delivery_person_id"`
	Status                string     `json:"status"`
	CustomerAddress       string     `json:"customer_address"`
	CustomerLatitude      *float64   `json:"customer_latitude"`
	CustomerLongitude     *float64   `json:"customer_longitude"`
	CurrentLatitude       *float64   `json:"current_latitude"`
	CurrentLongitude      *float64   `json:"current_longitude"`
	LocationRecordedAt    *time.Time `json:"location_recorded_at,omitempty"`
	EstimatedDeliveryTime *time.Time `json:"estimated_delivery_time,omitempty"`
	DeliveredAt           *time.Time `json:"delivered_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func NewDeliveryResponse(t *entity.DeliveryTask) *DeliveryResponse {
	if t == nil {
		return nil
	}
	return &DeliveryResponse{
		ID:                    t.ID,
		OrderID:               t.OrderID,
		DeliveryPersonID:      t.DeliveryPersonID,
		Status:                string(t.Status),
		CustomerAddress:       t.CustomerAddress,
		CustomerLatitude:      t.CustomerLatitude,
		CustomerLongitude:     t.CustomerLongitude,
		CurrentLatitude:       t.CurrentLatitude,
		CurrentLongitude:      t.CurrentLongitude,
		LocationRecordedAt:    t.LocationRecordedAt,
		EstimatedDeliveryTime: t.EstimatedDeliveryTime,
		DeliveredAt:           t.DeliveredAt,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
	}
}

func NewDeliveryResponses(tasks []*entity.DeliveryTask) []*DeliveryResponse {
	out := make([]*DeliveryResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, NewDeliveryResponse(t))
	}
	return out
}

// OrderDeliveryResponse pairs an order with its delivery task, if any.
type OrderDeliveryResponse struct {
	Order OrderResponse     `json:"order"`
	Task  *DeliveryResponse `json:"task,omitempty"`
}
