package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks permanently invalid input; never retried.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks misconfiguration that retrying cannot fix.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrTimeout marks a collaborator call that exceeded its budget.
	ErrTimeout = errors.New("timeout")
	// ErrTransient marks a failure expected to succeed on retry.
	ErrTransient = errors.New("transient failure")
	// ErrUnavailable marks infrastructure (queue substrate, database)
	// unreachability, distinct from the job itself failing.
	ErrUnavailable = errors.New("infrastructure unavailable")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTerminal reports whether an error should bypass remaining retry attempts.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConfiguration)
}

// IsTransient reports whether an error is worth retrying at all.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
