package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Medication is a catalog entry with its live price and stock.
type Medication struct {
	bun.BaseModel `bun:"table:medications,alias:m"`

	ID                   int64           `bun:",pk,autoincrement"`
	Name                 string          `bun:"name,notnull,unique"`
	Price                decimal.Decimal `bun:"price,type:decimal(12,2),notnull"`
	Stock                int             `bun:"stock,notnull"`
	RequiresPrescription bool            `bun:"requires_prescription,notnull"`
	CreatedAt            time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time       `bun:"updated_at,nullzero"`
}
