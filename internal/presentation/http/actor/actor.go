// Package actor reads the caller identity forwarded by the authenticating proxy.
package actor

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

const (
	HeaderRole = "X-Actor-Role"
	HeaderID   = "X-Actor-ID"
)

// From returns the actor of the request. Both headers are required.
func From(c echo.Context) (entity.Actor, error) {
	rawRole := c.Request().Header.Get(HeaderRole)
	id := strings.TrimSpace(c.Request().Header.Get(HeaderID))
	if rawRole == "" || id == "" {
		return entity.Actor{}, errorbank.Unauthorized("missing actor headers",
			errorbank.WithCode(errorbank.CodeUnauthorized))
	}
	role, err := entity.ParseRole(rawRole)
	if err != nil {
		return entity.Actor{}, errorbank.Unauthorized("unknown actor role",
			errorbank.WithCode(errorbank.CodeUnauthorized),
			errorbank.WithDetail("role", rawRole),
			errorbank.WithCause(err))
	}
	return entity.Actor{Role: role, ID: id}, nil
}
