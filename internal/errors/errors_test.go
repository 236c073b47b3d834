package errors

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestEngineErrorIsByCode(t *testing.T) {
	err := InvalidPayload(fmt.Errorf("cipher: message authentication failed"))
	if !Is(err, ErrInvalidPayload) {
		t.Fatal("expected InvalidPayload to match sentinel")
	}
	if Is(err, ErrUnknownTask) {
		t.Fatal("codes differ, should not match")
	}

	wrapped := fmt.Errorf("dispatch: %w", UnknownTask("unknown_x"))
	if !Is(wrapped, ErrUnknownTask) {
		t.Fatal("expected wrapped UnknownTask to match sentinel")
	}
}

func TestPublicMessageHidesInternalDetail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid payload", InvalidPayload(fmt.Errorf("illegal base64 data at input byte 4")), "Invalid encrypted payload"},
		{"unknown task", UnknownTask("unknown_x"), "No handler registered for task: unknown_x"},
		{"validation", Validation("ssl_deploy", "missing field: cert_path"), "missing field: cert_path"},
		{"config", Wrap(ErrCodeConfig, "bad key", fmt.Errorf("odd length hex")), "Internal Engine Error"},
		{"plain error", fmt.Errorf("boom"), "Internal Engine Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PublicMessage(tt.err)
			if got != tt.want {
				t.Errorf("PublicMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidPayload(nil), http.StatusBadRequest},
		{UnknownTask("x"), http.StatusBadRequest},
		{Validation("ssl_deploy", "missing field"), http.StatusBadRequest},
		{ErrBusy, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := &EngineError{Code: ErrCodeValidation, Message: "missing field: ssh_user", Task: "ssl_deploy"}
	if !strings.Contains(err.Error(), "ssl_deploy") {
		t.Errorf("expected task in message, got %q", err.Error())
	}
	if CodeOf(err) != ErrCodeValidation {
		t.Errorf("CodeOf() = %s", CodeOf(err))
	}
}
