package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var meter = otel.Meter("github.com/Additional-Code/remedio/database")

// queryHook records query latency and logs slow or failing statements.
type queryHook struct {
	slow     time.Duration
	logger   *zap.Logger
	duration metric.Float64Histogram
}

var _ bun.QueryHook = (*queryHook)(nil)

func newQueryHook(slow time.Duration, logger *zap.Logger) *queryHook {
	duration, err := meter.Float64Histogram("db.query.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of SQL statements issued through bun."),
	)
	if err != nil {
		logger.Warn("database metrics unavailable", zap.Error(err))
	}
	return &queryHook{slow: slow, logger: logger, duration: duration}
}

func (h *queryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *queryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)
	op := event.Operation()

	if h.duration != nil {
		h.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
			metric.WithAttributes(
				attribute.String("db.operation", op),
				attribute.Bool("error", event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows)),
			))
	}

	switch {
	case event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows):
		h.logger.Warn("sql query failed",
			zap.String("operation", op),
			zap.Duration("duration", elapsed),
			zap.Error(event.Err),
		)
	case h.slow > 0 && elapsed >= h.slow:
		h.logger.Warn("slow sql query",
			zap.String("operation", op),
			zap.Duration("duration", elapsed),
			zap.String("query", event.Query),
		)
	}
}
