package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/cache"
	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/event"
	"github.com/Additional-Code/remedio/internal/gateway"
	"github.com/Additional-Code/remedio/internal/geocoding"
	"github.com/Additional-Code/remedio/internal/logger"
	"github.com/Additional-Code/remedio/internal/messaging"
	"github.com/Additional-Code/remedio/internal/observability"
	repositorydelivery "github.com/Additional-Code/remedio/internal/repository/delivery"
	repositorymedication "github.com/Additional-Code/remedio/internal/repository/medication"
	repositoryorder "github.com/Additional-Code/remedio/internal/repository/order"
	grpcserver "github.com/Additional-Code/remedio/internal/server/grpc"
	httpserver "github.com/Additional-Code/remedio/internal/server/http"
	servicedelivery "github.com/Additional-Code/remedio/internal/service/delivery"
	servicemedication "github.com/Additional-Code/remedio/internal/service/medication"
	serviceorder "github.com/Additional-Code/remedio/internal/service/order"
	servicepayment "github.com/Additional-Code/remedio/internal/service/payment"
	transporthttp "github.com/Additional-Code/remedio/internal/transport/http"
	"github.com/Additional-Code/remedio/internal/worker"
	workerevents "github.com/Additional-Code/remedio/internal/worker/events"
)

// Infra provides configuration, logging, storage and messaging without domain services.
var Infra = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	Infra,
	event.Module,
	geocoding.Module,
	gateway.Module,
	repositorymedication.Module,
	repositoryorder.Module,
	repositorydelivery.Module,
	servicemedication.Module,
	serviceorder.Module,
	servicepayment.Module,
	servicedelivery.Module,
)

// HTTP wires the HTTP transport and the gRPC health server on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	grpcserver.Module,
	transporthttp.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerevents.Module,
)

// EventLogger routes Fx lifecycle events through the service logger.
var EventLogger = fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})

// Module is the default application wiring (HTTP only).
var Module = HTTP
