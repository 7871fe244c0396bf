package entity

import (
	"fmt"
	"strings"
)

// Role is the dashboard role of an authenticated user.
type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleAdmin      Role = "ADMIN"
	RoleDelivery   Role = "DELIVERY"
	RoleSuperAdmin Role = "SUPER_ADMIN"

	// RoleSystem marks internal callers such as webhook reconciliation. It is
	// never accepted from request headers.
	RoleSystem Role = "SYSTEM"
)

// ParseRole normalises s (case-insensitive) into a Role.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch role {
	case RoleClient, RoleAdmin, RoleDelivery, RoleSuperAdmin:
		return role, nil
	default:
		return "", fmt.Errorf("%w: role %q", ErrUnknownValue, s)
	}
}

// Actor identifies who invokes an operation.
type Actor struct {
	Role Role
	ID   string
}

// SystemActor identifies an internal component acting on its own.
func SystemActor(name string) Actor {
	return Actor{Role: RoleSystem, ID: name}
}

// IsAdmin reports whether the actor has administrative rights.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSuperAdmin
}

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Role)
	}
	return fmt.Sprintf("%s:%s", a.Role, a.ID)
}
