package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/storage"
)

// SQLiteSubstrate persists jobs in the shared conveyor database.
//
// Leasing, delayed-job promotion, and expired-lease reclamation all run in a
// single transaction per Lease call, so concurrent workers on one host never
// observe the same waiting job.
type SQLiteSubstrate struct {
	db *storage.DB
}

// NewSQLite constructs a substrate over the shared database handle.
func NewSQLite(db *storage.DB) *SQLiteSubstrate {
	return &SQLiteSubstrate{db: db}
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *SQLiteSubstrate) Close() error { return nil }

const jobColumns = "id, queue, payload, status, attempts_made, max_attempts, priority, enqueued_at, scheduled_for, lease_expires_at"

// Enqueue inserts a job as waiting, or delayed when opts.Delay is set.
func (s *SQLiteSubstrate) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error) {
	if queue == "" {
		return "", errors.New("queue name must not be empty")
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	status := StatusWaiting
	var scheduledFor *time.Time
	if opts.Delay > 0 {
		status = StatusDelayed
		due := now.Add(opts.Delay)
		scheduledFor = &due
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO jobs (id, queue, payload, status, attempts_made, max_attempts, priority, enqueued_at, scheduled_for, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		jobID,
		queue,
		string(payload),
		status,
		maxAttempts,
		opts.Priority,
		storage.FormatTime(now),
		storage.NullableTime(scheduledFor),
		storage.FormatTime(now),
	)
	if err != nil {
		return "", substrateErr("enqueue", err)
	}
	return jobID, nil
}

// Lease claims the next deliverable job on the queue for leaseFor. It first
// promotes due delayed jobs and reclaims expired leases, then claims the
// highest-priority oldest waiting job. The claim increments attempts_made:
// attempts count deliveries, so a redelivery after lease expiry is exactly
// one additional attempt.
func (s *SQLiteSubstrate) Lease(ctx context.Context, queue string, leaseFor time.Duration) (*Job, error) {
	now := time.Now().UTC()
	var leased *Job

	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		nowStr := storage.FormatTime(now)

		// Promote delayed jobs whose schedule has arrived.
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, scheduled_for = NULL, updated_at = ?
             WHERE queue = ? AND status = ? AND scheduled_for <= ?`,
			StatusWaiting, nowStr, queue, StatusDelayed, nowStr,
		); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}

		// Reclaim jobs whose holder stalled past the lease.
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, lease_expires_at = NULL, updated_at = ?
             WHERE queue = ? AND status = ? AND lease_expires_at < ?`,
			StatusWaiting, nowStr, queue, StatusActive, nowStr,
		); err != nil {
			return fmt.Errorf("reclaim expired leases: %w", err)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
             WHERE queue = ? AND status = ?
             ORDER BY priority DESC, enqueued_at ASC
             LIMIT 1`,
			queue, StatusWaiting,
		)
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select waiting job: %w", err)
		}

		expires := now.Add(leaseFor)
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts_made = attempts_made + 1, lease_expires_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusActive, storage.FormatTime(expires), nowStr, job.ID, StatusWaiting,
		)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}

		job.Status = StatusActive
		job.AttemptsMade++
		job.LeaseExpiresAt = &expires
		leased = job
		return nil
	})
	if err != nil {
		return nil, substrateErr("lease", err)
	}
	return leased, nil
}

// RenewLease extends the holder's exclusive claim without consuming an attempt.
func (s *SQLiteSubstrate) RenewLease(ctx context.Context, jobID string, extension time.Duration) error {
	expires := time.Now().UTC().Add(extension)
	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		storage.FormatTime(expires), storage.FormatTime(time.Now().UTC()), jobID, StatusActive,
	)
	if err != nil {
		return substrateErr("renew lease", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return substrateErr("renew lease", err)
	}
	if affected == 0 {
		return fmt.Errorf("renew lease %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Ack archives a successfully processed job.
func (s *SQLiteSubstrate) Ack(ctx context.Context, jobID string) error {
	return s.resolve(ctx, jobID, StatusCompleted, nil)
}

// Nack resolves a failed delivery: requeue with delay, or terminal removal.
func (s *SQLiteSubstrate) Nack(ctx context.Context, jobID string, resolution Resolution) error {
	if resolution.Terminal {
		return s.resolve(ctx, jobID, StatusFailed, nil)
	}
	due := time.Now().UTC().Add(resolution.RetryAfter)
	return s.resolve(ctx, jobID, StatusDelayed, &due)
}

func (s *SQLiteSubstrate) resolve(ctx context.Context, jobID string, status Status, scheduledFor *time.Time) error {
	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, scheduled_for = ?, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		status,
		storage.NullableTime(scheduledFor),
		storage.FormatTime(time.Now().UTC()),
		jobID,
		StatusActive,
	)
	if err != nil {
		return substrateErr("resolve", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return substrateErr("resolve", err)
	}
	if affected == 0 {
		return fmt.Errorf("resolve job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Get fetches a job by identifier.
func (s *SQLiteSubstrate) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, substrateErr("get job", err)
	}
	return job, nil
}

// Stats returns per-state counts for a queue.
func (s *SQLiteSubstrate) Stats(ctx context.Context, queue string) (Stats, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(1) FROM jobs WHERE queue = ? GROUP BY status`, queue)
	if err != nil {
		return Stats{}, substrateErr("stats", err)
	}
	defer rows.Close()

	stats := Stats{Queue: queue}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, substrateErr("stats", err)
		}
		switch status {
		case StatusWaiting:
			stats.Waiting = count
		case StatusDelayed:
			stats.Delayed = count
		case StatusActive:
			stats.Active = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, substrateErr("stats", err)
	}
	return stats, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		queueName    string
		payload      string
		statusStr    string
		attempts     int
		maxAttempts  int
		priority     int
		enqueuedRaw  string
		scheduledRaw sql.NullString
		leaseRaw     sql.NullString
	)
	if err := scanner.Scan(
		&id, &queueName, &payload, &statusStr, &attempts, &maxAttempts,
		&priority, &enqueuedRaw, &scheduledRaw, &leaseRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:           id,
		Queue:        queueName,
		Payload:      []byte(payload),
		Status:       Status(statusStr),
		AttemptsMade: attempts,
		MaxAttempts:  maxAttempts,
		Priority:     priority,
	}
	if enqueued, err := storage.ParseTime(enqueuedRaw); err == nil {
		job.EnqueuedAt = enqueued
	}
	if scheduledRaw.Valid {
		if due, err := storage.ParseTime(scheduledRaw.String); err == nil {
			job.ScheduledFor = &due
		}
	}
	if leaseRaw.Valid {
		if expires, err := storage.ParseTime(leaseRaw.String); err == nil {
			job.LeaseExpiresAt = &expires
		}
	}
	return job, nil
}
