package services_test

import (
	"errors"
	"strings"
	"testing"

	"conveyor/internal/services"
)

func TestWrapPreservesMarkerAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := services.Wrap(services.ErrTransient, "sync", "create product", "platform rejected call", cause)

	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected wrapped error to match marker, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped error to match cause, got %v", err)
	}
	for _, fragment := range []string{"sync", "create product", "platform rejected call"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in error message %q", fragment, err.Error())
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "extract", "call model", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected nil marker to default to ErrTransient, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"validation", services.Wrap(services.ErrValidation, "parse", "detect type", "unsupported mime type", nil), true},
		{"configuration", services.Wrap(services.ErrConfiguration, "sync", "", "missing credentials", nil), true},
		{"transient", services.Wrap(services.ErrTransient, "persist", "upsert", "", errors.New("deadlock")), false},
		{"timeout", services.Wrap(services.ErrTimeout, "extract", "", "", nil), false},
		{"unavailable", services.Wrap(services.ErrUnavailable, "", "lease", "", nil), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.IsTerminal(tc.err); got != tc.terminal {
				t.Fatalf("IsTerminal(%v) = %v, want %v", tc.err, got, tc.terminal)
			}
		})
	}
}
