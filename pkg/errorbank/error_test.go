package errorbank

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  *AppError
		http int
		grpc codes.Code
	}{
		{BadRequest("x"), http.StatusBadRequest, codes.InvalidArgument},
		{Unauthorized("x"), http.StatusUnauthorized, codes.Unauthenticated},
		{Forbidden("x"), http.StatusForbidden, codes.PermissionDenied},
		{Conflict("x"), http.StatusConflict, codes.AlreadyExists},
		{NotFound("x"), http.StatusNotFound, codes.NotFound},
		{Unprocessable("x"), http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{Internal("x"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tc := range cases {
		if got := tc.err.StatusCode(); got != tc.http {
			t.Fatalf("%s: expected http %d, got %d", tc.err.Kind(), tc.http, got)
		}
		if got := tc.err.GRPCCode(); got != tc.grpc {
			t.Fatalf("%s: expected grpc %v, got %v", tc.err.Kind(), tc.grpc, got)
		}
	}
}

func TestHasCodeThroughWrapping(t *testing.T) {
	base := Conflict("cannot move order", WithCode(CodeInvalidTransition))
	wrapped := fmt.Errorf("handler: %w", base)

	if !HasCode(wrapped, CodeInvalidTransition) {
		t.Fatalf("expected wrapped error to carry code")
	}
	if HasCode(wrapped, CodeDuplicateTask) {
		t.Fatalf("unexpected code match")
	}
	if HasCode(errors.New("plain"), CodeInvalidTransition) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestFromWrapsUnknownErrors(t *testing.T) {
	cause := errors.New("boom")
	appErr := From(cause)
	if appErr.Kind() != KindInternal {
		t.Fatalf("expected internal kind, got %s", appErr.Kind())
	}
	if !errors.Is(appErr, cause) {
		t.Fatalf("expected cause to be preserved")
	}
	if From(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestForbiddenDefaultsToUnauthorizedCode(t *testing.T) {
	err := Forbidden("only the assigned courier may do this", WithDetail("task_id", 3))
	if err.Code() != CodeUnauthorized {
		t.Fatalf("expected unauthorized code, got %q", err.Code())
	}
	if err.Details()["task_id"] != 3 {
		t.Fatalf("expected detail to be kept")
	}
}
