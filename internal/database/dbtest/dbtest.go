// Package dbtest provides an in-memory SQLite database for tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
)

var seq atomic.Int64

// New opens a fresh in-memory database with the schema created.
func New(t *testing.T) *database.Connections {
	t.Helper()

	dsn := fmt.Sprintf("file:remedio_test_%d?mode=memory&cache=shared", seq.Add(1))
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A single connection keeps the shared in-memory database alive and
	// serialises writers the way row locks would.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	ctx := context.Background()
	models := []any{
		(*entity.Medication)(nil),
		(*entity.Order)(nil),
		(*entity.OrderItem)(nil),
		(*entity.DeliveryTask)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("create table %T: %v", model, err)
		}
	}

	return &database.Connections{Writer: db, Reader: db}
}
