package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// DeliveryTask tracks courier assignment and live position for one order.
type DeliveryTask struct {
	bun.BaseModel `bun:"table:delivery_tasks,alias:dt"`

	ID                    int64          `bun:",pk,autoincrement"`
	OrderID               int64          `bun:"order_id,notnull,unique"`
	DeliveryPersonID      *string        `bun:"delivery_person_id"`
	Status                DeliveryStatus `bun:"status,notnull"`
	CustomerAddress       string         `bun:"customer_address,notnull"`
	CustomerLatitude      *float64       `bun:"customer_latitude"`
	CustomerLongitude     *float64       `bun:"customer_longitude"`
	CurrentLatitude       *float64       `bun:"current_latitude"`
	CurrentLongitude      *float64       `bun:"current_longitude"`
	LocationRecordedAt    *time.Time     `bun:"location_recorded_at"`
	LocationFromDevice    bool           `bun:"location_from_device,notnull"`
	EstimatedDeliveryTime *time.Time     `bun:"estimated_delivery_time"`
	DeliveredAt           *time.Time     `bun:"delivered_at"`
	CreatedAt             time.Time      `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time      `bun:"updated_at,nullzero"`
}

// AssignedTo reports whether courierID is the task's delivery person.
func (t *DeliveryTask) AssignedTo(courierID string) bool {
	return t.DeliveryPersonID != nil && courierID != "" && *t.DeliveryPersonID == courierID
}
