package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("type", "job type is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "job type is required" {
		t.Errorf("expected message 'job type is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "type" {
		t.Errorf("expected field 'type', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "job_abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "job job_abc123 not found" {
		t.Errorf("expected message 'job job_abc123 not found', got %q", err.Error())
	}
}

func TestConflict(t *testing.T) {
	t.Parallel()
	err := Conflict("job", "job_abc123", "job is already terminal")

	if !errors.Is(err, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	if err.Error() != "job is already terminal" {
		t.Errorf("expected message 'job is already terminal', got %q", err.Error())
	}
}

func TestUnavailable(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("connection refused")
	err := Unavailable("runner.list", cause)

	if !errors.Is(err, ErrUnavailable) {
		t.Error("expected error to match ErrUnavailable")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Op != "runner.list" {
		t.Errorf("expected op 'runner.list', got %q", appErr.Op)
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("disk full")
	err := Internal("store.createJob", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if err.Error() != "store.createJob: disk full" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("type", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"conflict", Conflict("job", "123", "terminal"), http.StatusConflict},
		{"resource exhausted", ErrResourceExhausted, http.StatusTooManyRequests},
		{"unavailable", Unavailable("op", fmt.Errorf("down")), http.StatusServiceUnavailable},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"wrapped exhausted", fmt.Errorf("wrap: %w", ErrResourceExhausted), http.StatusTooManyRequests},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}
