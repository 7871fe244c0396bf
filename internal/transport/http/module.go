package http

import (
	"go.uber.org/fx"

	deliverytransport "github.com/Additional-Code/remedio/internal/transport/http/delivery"
	medicationtransport "github.com/Additional-Code/remedio/internal/transport/http/medication"
	ordertransport "github.com/Additional-Code/remedio/internal/transport/http/order"
	paymenttransport "github.com/Additional-Code/remedio/internal/transport/http/payment"
	webhooktransport "github.com/Additional-Code/remedio/internal/transport/http/webhook"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	medicationtransport.Module,
	paymenttransport.Module,
	webhooktransport.Module,
	deliverytransport.Module,
)
