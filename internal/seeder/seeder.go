package seeder

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger}
}

// Catalog lists the sample medications inserted by Medications.
func Catalog() []entity.Medication {
	return []entity.Medication{
		{Name: "Dipirona 500mg", Price: decimal.RequireFromString("8.90"), Stock: 200},
		{Name: "Paracetamol 750mg", Price: decimal.RequireFromString("12.50"), Stock: 150},
		{Name: "Ibuprofeno 400mg", Price: decimal.RequireFromString("15.30"), Stock: 120},
		{Name: "Loratadina 10mg", Price: decimal.RequireFromString("18.75"), Stock: 80},
		{Name: "Omeprazol 20mg", Price: decimal.RequireFromString("22.40"), Stock: 90},
		{Name: "Amoxicilina 500mg", Price: decimal.RequireFromString("34.90"), Stock: 60, RequiresPrescription: true},
		{Name: "Losartana 50mg", Price: decimal.RequireFromString("19.90"), Stock: 100, RequiresPrescription: true},
	}
}

// Medications inserts the sample catalog, skipping names that already exist.
func (s *Seeder) Medications(ctx context.Context) (int, error) {
	inserted := 0
	for _, sample := range Catalog() {
		med := sample
		res, err := s.db.NewInsert().Model(&med).
			Ignore().
			Returning("NULL").
			Exec(ctx)
		if err != nil {
			return inserted, err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded medications", zap.Int("inserted", inserted), zap.Int("catalog", len(Catalog())))
	}
	return inserted, nil
}
