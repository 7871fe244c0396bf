package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
)

func TestNoopStoreAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(fxtest.NewLifecycle(t), config.Config{Cache: config.Cache{Driver: "noop"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := SetJSON(ctx, store, OrderKey(1), map[string]int{"id": 1}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var out map[string]int
	if err := GetJSON(ctx, store, OrderKey(1), &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := GetJSON(ctx, nil, OrderKey(1), &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("nil store should miss, got %v", err)
	}
}

func TestKeys(t *testing.T) {
	if OrderKey(42) != "orders:42" || TrackingKey(7) != "deliveries:7:tracking" {
		t.Fatalf("unexpected keys %s %s", OrderKey(42), TrackingKey(7))
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := NewStore(fxtest.NewLifecycle(t), config.Config{Cache: config.Cache{Driver: "memcached"}}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
