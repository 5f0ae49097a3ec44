package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := NewAppError(ErrCodeValidationInvalidHour, "send hour 24 outside 0-23", nil)

	want := "validation_invalid_send_hour: send hour 24 outside 0-23"
	if appErr.Error() != want {
		t.Errorf("Error() = %q, want %q", appErr.Error(), want)
	}
}

func TestAppErrorUnwrapAndAs(t *testing.T) {
	underlying := errors.New("connection reset")
	appErr := NewAppError(ErrCodeInternalDB, "failed to claim job", underlying)
	wrapped := fmt.Errorf("worker: %w", appErr)

	if !errors.Is(wrapped, underlying) {
		t.Error("errors.Is did not find the underlying error")
	}
	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As did not find the AppError")
	}
	if target.Code != ErrCodeInternalDB {
		t.Errorf("Code = %q, want %q", target.Code, ErrCodeInternalDB)
	}
	if CodeOf(wrapped) != ErrCodeInternalDB {
		t.Errorf("CodeOf = %q", CodeOf(wrapped))
	}
	if CodeOf(underlying) != "" {
		t.Errorf("CodeOf(plain error) = %q, want empty", CodeOf(underlying))
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidBody, http.StatusBadRequest},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeCooldownActive, http.StatusTooManyRequests},
		{ErrCodeNotFoundJob, http.StatusNotFound},
		{ErrCodeConflictJobState, http.StatusConflict},
		{ErrCodeEmailBlocked, http.StatusUnprocessableEntity},
		{ErrCodePermanentUserDeleted, http.StatusUnprocessableEntity},
		{ErrCodeUpstreamComposer, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorCodeIsPermanent(t *testing.T) {
	permanent := []ErrorCode{
		ErrCodeEmailBlocked,
		ErrCodeNotFoundUser,
		ErrCodeValidationInvalidEmail,
		ErrCodePermanentBadContent,
		ErrCodePermanentUserDeleted,
	}
	for _, c := range permanent {
		if !c.IsPermanent() {
			t.Errorf("%s should be permanent", c)
		}
	}

	transient := []ErrorCode{
		ErrCodeUpstreamComposer,
		ErrCodeUpstreamTimeout,
		ErrCodeRateLimit,
		ErrCodeInternalDB,
		ErrorCode(""),
	}
	for _, c := range transient {
		if c.IsPermanent() {
			t.Errorf("%s should not be permanent", c)
		}
	}
}

func TestAppErrorWithDetails(t *testing.T) {
	base := NewAppError(ErrCodeCooldownActive, "test send cooldown active", nil).
		WithDetails(map[string]any{"user_id": "u1"})
	merged := base.WithDetails(map[string]any{"retry_after_seconds": 120})

	if len(base.Details) != 1 {
		t.Errorf("original details mutated: %v", base.Details)
	}
	if merged.Details["user_id"] != "u1" || merged.Details["retry_after_seconds"] != 120 {
		t.Errorf("merged details = %v", merged.Details)
	}
}
