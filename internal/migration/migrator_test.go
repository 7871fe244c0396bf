package migration_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/migration"
)

func openSQLite(t *testing.T) *bun.DB {
	t.Helper()
	sqldb, err := sql.Open("sqlite", "file:remedio_migrations?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpAndDownOnSQLite(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	cfg := config.Config{Database: config.Database{Driver: "sqlite"}}
	mig, err := migration.New(cfg, &database.Connections{Writer: db, Reader: db}, zap.NewNop())
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}

	if err := mig.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mig.Up(ctx); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
	version, err := mig.Version(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	med := &entity.Medication{Name: "Dipirona 500mg", Price: decimal.RequireFromString("8.90"), Stock: 3}
	if _, err := db.NewInsert().Model(med).Exec(ctx); err != nil {
		t.Fatalf("insert medication: %v", err)
	}
	dup := &entity.Medication{Name: "Dipirona 500mg", Price: decimal.RequireFromString("9.90"), Stock: 1}
	if _, err := db.NewInsert().Model(dup).Exec(ctx); err == nil {
		t.Fatalf("expected unique violation on medication name")
	}

	if err := mig.Down(ctx, 0, true); err != nil {
		t.Fatalf("down: %v", err)
	}
	var count int
	if err := db.NewRaw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'medications'").Scan(ctx, &count); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected medications table to be dropped")
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := config.Config{Database: config.Database{Driver: "oracle"}}
	if _, err := migration.New(cfg, &database.Connections{}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
