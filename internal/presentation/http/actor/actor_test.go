package actor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

func TestFrom(t *testing.T) {
	cases := []struct {
		role, id string
		want     entity.Actor
		ok       bool
	}{
		{"delivery", "courier-1", entity.Actor{Role: entity.RoleDelivery, ID: "courier-1"}, true},
		{" Super_Admin ", "root", entity.Actor{Role: entity.RoleSuperAdmin, ID: "root"}, true},
		{"SYSTEM", "gateway", entity.Actor{}, false},
		{"CLIENT", "", entity.Actor{}, false},
		{"", "client-1", entity.Actor{}, false},
	}
	e := echo.New()
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRole, tc.role)
		req.Header.Set(HeaderID, tc.id)
		got, err := From(e.NewContext(req, httptest.NewRecorder()))
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("%q/%q: got %+v, %v", tc.role, tc.id, got, err)
			}
			continue
		}
		if errorbank.From(err).Kind() != errorbank.KindUnauthorized {
			t.Fatalf("%q/%q: expected unauthorized, got %v", tc.role, tc.id, err)
		}
	}
}
