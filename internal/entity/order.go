package entity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Order represents a client purchase stored in the relational database.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID              int64           `bun:",pk,autoincrement"`
	ClientID        string          `bun:"client_id,notnull"`
	Items           []*OrderItem    `bun:"rel:has-many,join:id=order_id"`
	TotalPrice      decimal.Decimal `bun:"total_price,type:decimal(12,2),notnull"`
	Status          OrderStatus     `bun:"status,notnull"`
	ShippingAddress string          `bun:"shipping_address,notnull"`
	PaymentID       *string         `bun:"payment_id"`
	PaymentMethod   PaymentMethod   `bun:"payment_method,notnull"`
	PaymentStatus   PaymentStatus   `bun:"payment_status,notnull"`
	Notes           string          `bun:"notes,notnull"`
	CreatedAt       time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `bun:"updated_at,nullzero"`
}

// AppendNote adds a timestamped audit line to Notes.
func (o *Order) AppendNote(at time.Time, line string) {
	entry := "[" + at.UTC().Format(time.RFC3339) + "] " + line
	o.Notes = strings.TrimSpace(o.Notes + "\n" + entry)
}

// OrderItem is a price snapshot of one medication in an order.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID           int64           `bun:",pk,autoincrement"`
	OrderID      int64           `bun:"order_id,notnull"`
	MedicationID int64           `bun:"medication_id,notnull"`
	Quantity     int             `bun:"quantity,notnull"`
	Price        decimal.Decimal `bun:"price,type:decimal(12,2),notnull"`
}

// Subtotal returns price times quantity.
func (i *OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
