package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("HTTP %d", e.code) }
func (e *statusErr) Retryable() bool { return e.code == 429 || e.code >= 500 }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid band"), false},
		{"explicit", NewTransientError(errors.New("x"), 503), true},
		{"wrapped explicit", fmt.Errorf("compute: evaluate: %w", NewTransientError(errors.New("x"), 503)), true},
		{"retryable 503", fmt.Errorf("evaluate: %w", &statusErr{503}), true},
		{"retryable 400", fmt.Errorf("evaluate: %w", &statusErr{400}), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"text pattern", errors.New("dial tcp: i/o timeout"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	te := NewTransientError(inner, 502)
	if !errors.Is(te, inner) {
		t.Error("expected errors.Is to find inner error")
	}
	if te.Error() != "inner" {
		t.Errorf("unexpected message %q", te.Error())
	}
}
