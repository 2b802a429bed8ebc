package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OAuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("OAuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *OAuthError
		code   string
		status int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid scope", ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"unauthorized client", ErrUnauthorizedClient("x"), ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{"unsupported grant type", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{"access denied", ErrAccessDenied("x"), ErrorCodeAccessDenied, http.StatusBadRequest},
		{"authorization pending", ErrAuthorizationPending("x"), ErrorCodeAuthorizationPending, http.StatusBadRequest},
		{"slow down", ErrSlowDown("x"), ErrorCodeSlowDown, http.StatusBadRequest},
		{"expired token", ErrExpiredToken("x"), ErrorCodeExpiredToken, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
			if tt.err.Description != "x" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "x")
			}
		})
	}
}

func TestOAuthError_WithCause(t *testing.T) {
	cause := errors.New("connection refused")
	base := ErrServerError("storage unavailable")
	wrapped := base.WithCause(cause)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find the cause")
	}
	if base.Unwrap() != nil {
		t.Error("WithCause() must not mutate the receiver")
	}
	if wrapped.Error() != "server_error: storage unavailable" {
		t.Errorf("Error() = %q, cause must not leak into the message", wrapped.Error())
	}
}

func TestAsOAuthError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if AsOAuthError(nil) != nil {
			t.Error("AsOAuthError(nil) should be nil")
		}
	})

	t.Run("wrapped oauth error", func(t *testing.T) {
		err := fmt.Errorf("handler: %w", ErrInvalidGrant("bad code"))
		got := AsOAuthError(err)
		if got.Code != ErrorCodeInvalidGrant {
			t.Errorf("Code = %q, want %q", got.Code, ErrorCodeInvalidGrant)
		}
	})

	t.Run("plain error becomes server_error", func(t *testing.T) {
		internal := errors.New("pq: relation does not exist")
		got := AsOAuthError(internal)
		if got.Code != ErrorCodeServerError {
			t.Errorf("Code = %q, want %q", got.Code, ErrorCodeServerError)
		}
		if got.Description == internal.Error() {
			t.Error("internal error message leaked into description")
		}
		if !errors.Is(got, internal) {
			t.Error("cause should be retained for logging")
		}
	})
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrInvalidScope("scope exceeds grant").WithCause(errors.New("secret detail")))
	if resp.Error != ErrorCodeInvalidScope {
		t.Errorf("Error = %q, want %q", resp.Error, ErrorCodeInvalidScope)
	}
	if resp.ErrorDescription != "scope exceeds grant" {
		t.Errorf("ErrorDescription = %q", resp.ErrorDescription)
	}

	if ToErrorResponse(nil) != nil {
		t.Error("ToErrorResponse(nil) should be nil")
	}
}

func TestIsErrorCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ErrSlowDown("poll slower"))
	if !IsErrorCode(err, ErrorCodeSlowDown) {
		t.Error("IsErrorCode() should match wrapped code")
	}
	if IsErrorCode(err, ErrorCodeAuthorizationPending) {
		t.Error("IsErrorCode() matched wrong code")
	}
	if IsErrorCode(errors.New("plain"), ErrorCodeServerError) {
		t.Error("IsErrorCode() should not match non-OAuth errors")
	}
}
