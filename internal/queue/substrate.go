package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/services"
)

// Substrate is the contract every queue backend satisfies.
//
// Lease returns nil when no job is available within the substrate's poll
// window; callers are expected to poll again. RenewLease extends the lease
// without touching the attempt count.
type Substrate interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error)
	Lease(ctx context.Context, queue string, leaseFor time.Duration) (*Job, error)
	RenewLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, resolution Resolution) error
	Stats(ctx context.Context, queue string) (Stats, error)
	Close() error
}

// ErrJobNotFound is returned when resolving a job the substrate no longer holds,
// typically because its lease expired and another worker already resolved it.
var ErrJobNotFound = errors.New("job not found")

// SubstrateError wraps a transport failure of the queue backend itself,
// distinct from any failure of the job being processed.
type SubstrateError struct {
	Op  string
	Err error
}

func (e *SubstrateError) Error() string {
	return fmt.Sprintf("queue substrate: %s: %v", e.Op, e.Err)
}

func (e *SubstrateError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, services.ErrUnavailable) match substrate failures.
func (e *SubstrateError) Is(target error) bool {
	return target == services.ErrUnavailable
}

func substrateErr(op string, err error) error {
	return &SubstrateError{Op: op, Err: err}
}

// IsUnavailable reports whether an error comes from the substrate transport
// rather than the job being processed.
func IsUnavailable(err error) bool {
	var se *SubstrateError
	return errors.As(err, &se)
}
