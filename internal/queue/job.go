package queue

import "time"

// Status represents the lifecycle of a queued job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a queued unit of work.
type Job struct {
	ID             string
	Queue          string
	Payload        []byte
	Status         Status
	AttemptsMade   int
	MaxAttempts    int
	Priority       int
	EnqueuedAt     time.Time
	ScheduledFor   *time.Time
	LeaseExpiresAt *time.Time
}

// EnqueueOptions tunes a single enqueue call.
type EnqueueOptions struct {
	// Delay defers first delivery.
	Delay time.Duration
	// MaxAttempts caps delivery attempts before the job is terminal.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int
	// Priority orders delivery within a queue; higher is sooner.
	Priority int
	// JobID overrides the generated identifier (used when reprocessing
	// dead-letter entries so the clone is linkable).
	JobID string
}

// DefaultMaxAttempts applies when EnqueueOptions.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Resolution describes how a worker resolves a leased job that did not succeed.
type Resolution struct {
	// RetryAfter requeues the job for redelivery after the given delay.
	RetryAfter time.Duration
	// Terminal removes the job from its queue for good; the caller is
	// responsible for recording a dead-letter entry.
	Terminal bool
}

// Stats aggregates per-queue counts by lifecycle state.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}
