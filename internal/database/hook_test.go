package database

import (
	"context"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func openHooked(t *testing.T, slow time.Duration) (*bun.DB, *observer.ObservedLogs) {
	t.Helper()
	sqldb, err := openSQLDB("sqlite3", "file:hook_test?mode=memory")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	core, logs := observer.New(zapcore.DebugLevel)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	db.AddQueryHook(newQueryHook(slow, zap.New(core)))
	t.Cleanup(func() { _ = db.Close() })
	return db, logs
}

func TestQueryHookLogsFailures(t *testing.T) {
	db, logs := openHooked(t, time.Hour)

	var n int
	if err := db.NewRaw("SELECT 1").Scan(context.Background(), &n); err != nil {
		t.Fatalf("select: %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("fast successful query should not be logged")
	}

	if _, err := db.NewRaw("SELECT * FROM missing_table").Exec(context.Background()); err == nil {
		t.Fatalf("expected error for missing table")
	}
	if logs.FilterMessage("sql query failed").Len() != 1 {
		t.Fatalf("expected failing query to be logged, got %v", logs.All())
	}
}

func TestQueryHookLogsSlowQueries(t *testing.T) {
	db, logs := openHooked(t, time.Nanosecond)

	var n int
	if err := db.NewRaw("SELECT 1").Scan(context.Background(), &n); err != nil {
		t.Fatalf("select: %v", err)
	}
	if logs.FilterMessage("slow sql query").Len() == 0 {
		t.Fatalf("expected slow query log")
	}
}

func TestDriverAliases(t *testing.T) {
	for _, driver := range []string{"postgres", "pg", "mysql", "sqlite", "sqlite3"} {
		if _, err := selectDialect(driver); err != nil {
			t.Fatalf("dialect %s: %v", driver, err)
		}
	}
	if _, err := selectDialect("oracle"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := openSQLDB("mysql", "::not a dsn"); err == nil {
		t.Fatalf("expected invalid mysql dsn to fail")
	}
}
