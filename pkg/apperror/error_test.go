package apperror

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without internal error",
			err:  &Error{Code: "not_found", Message: "Resource not found"},
			want: "not_found: Resource not found",
		},
		{
			name: "with internal error",
			err:  &Error{Code: "internal_error", Message: "boom", Internal: errors.New("db down")},
			want: "internal_error: boom (db down)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := ErrInternal.WithInternal(inner)
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the internal error")
	}
}

func TestError_WithMessage(t *testing.T) {
	err := ErrBadRequest.WithMessage("custom message")
	if err.Message != "custom message" {
		t.Errorf("Message = %q, want %q", err.Message, "custom message")
	}
	if err.Code != ErrBadRequest.Code {
		t.Errorf("Code = %q, want %q", err.Code, ErrBadRequest.Code)
	}
	if ErrBadRequest.Message == "custom message" {
		t.Error("WithMessage must not mutate the original error")
	}
}

func TestError_WithDetails(t *testing.T) {
	details := map[string]any{"field": "value"}
	err := ErrValidation.WithDetails(details)
	if err.Details["field"] != "value" {
		t.Error("expected details to be attached")
	}
	if ErrValidation.Details != nil {
		t.Error("WithDetails must not mutate the original error")
	}
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("vectorizer", "42")
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Message != "vectorizer '42' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestNewInternal(t *testing.T) {
	inner := errors.New("pool closed")
	err := NewInternal("query failed", inner)
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
	if !errors.Is(err, inner) {
		t.Error("expected wrapped error")
	}
}

func TestToHTTPError(t *testing.T) {
	t.Run("app error", func(t *testing.T) {
		status, body := ToHTTPError(NewBadRequest("bad input"))
		if status != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
		}
		errObj := body["error"].(map[string]any)
		if errObj["code"] != "bad_request" {
			t.Errorf("code = %v, want bad_request", errObj["code"])
		}
	})

	t.Run("unknown error", func(t *testing.T) {
		status, body := ToHTTPError(errors.New("mystery"))
		if status != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", status, http.StatusInternalServerError)
		}
		errObj := body["error"].(map[string]any)
		if errObj["code"] != "internal_error" {
			t.Errorf("code = %v, want internal_error", errObj["code"])
		}
	})
}

func TestCommonErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		status int
		code   string
	}{
		{"ErrNotFound", ErrNotFound, http.StatusNotFound, "not_found"},
		{"ErrBadRequest", ErrBadRequest, http.StatusBadRequest, "bad_request"},
		{"ErrValidation", ErrValidation, http.StatusUnprocessableEntity, "validation_error"},
		{"ErrInternal", ErrInternal, http.StatusInternalServerError, "internal_error"},
		{"ErrDatabase", ErrDatabase, http.StatusInternalServerError, "database_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.status)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}
