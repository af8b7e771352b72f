package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatus() int { return e.code }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "explicit transient error", err: NewTransientError(errors.New("test"), "transient"), expected: true},
		{name: "explicit permanent error", err: NewPermanentError(errors.New("test"), "permanent"), expected: false},
		{name: "status coder 503", err: fmt.Errorf("list: %w", statusErr{code: http.StatusServiceUnavailable}), expected: true},
		{name: "status coder 404", err: statusErr{code: http.StatusNotFound}, expected: false},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "context cancelled", err: fmt.Errorf("do: %w", context.Canceled), expected: false},
		{name: "open breaker", err: NewDegradedError(errors.New("open"), ""), expected: false},
		{name: "plain error", err: errors.New("something odd"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(statusErr{code: http.StatusUnprocessableEntity}) {
		t.Fatal("422 should be permanent")
	}
	if IsPermanent(statusErr{code: http.StatusTooManyRequests}) {
		t.Fatal("429 should not be permanent")
	}
	if !IsPermanent(errors.New("task not found")) {
		t.Fatal("not found message should be permanent")
	}
	if IsPermanent(nil) {
		t.Fatal("nil is not permanent")
	}
}

func TestGetErrorType(t *testing.T) {
	if got := GetErrorType(NewDegradedError(errors.New("x"), "")); got != ErrorTypeDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
	if got := GetErrorType(statusErr{code: 502}); got != ErrorTypeTransient {
		t.Fatalf("expected transient, got %s", got)
	}
	if got := GetErrorType(errors.New("unknown")); got != ErrorTypePermanent {
		t.Fatalf("expected permanent, got %s", got)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	base := errors.New("boom")

	err := ClassifyHTTPStatus(base, http.StatusBadGateway)
	var transient *TransientError
	if !errors.As(err, &transient) || transient.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected transient 502, got %#v", err)
	}
	if !errors.Is(err, base) {
		t.Fatal("classified error should wrap base")
	}

	err = ClassifyHTTPStatus(base, http.StatusBadRequest)
	if !IsPermanent(err) || StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected permanent 400, got %#v", err)
	}

	if ClassifyHTTPStatus(nil, 500) != nil {
		t.Fatal("nil input should stay nil")
	}
}
