// Package deadletter archives jobs that exhausted their retries so operators
// can inspect, annotate, and reprocess them.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/storage"
)

// Entry is one dead-lettered job.
type Entry struct {
	ID                 string          `json:"id"`
	OriginalJobID      string          `json:"original_job_id"`
	Queue              string          `json:"queue"`
	Payload            json.RawMessage `json:"payload"`
	FailureReason      string          `json:"failure_reason"`
	FailureTrace       string          `json:"failure_trace,omitempty"`
	AttemptsMade       int             `json:"attempts_made"`
	FailedAt           time.Time       `json:"failed_at"`
	ReviewNotes        string          `json:"review_notes,omitempty"`
	ReprocessedAsJobID string          `json:"reprocessed_as_job_id,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	// Queue limits results to one queue when non-empty.
	Queue string
	// Since limits results to entries that failed at or after the given time.
	Since time.Time
}

// Page bounds List results.
type Page struct {
	Limit  int
	Offset int
}

// ErrAlreadyReprocessed is returned when an entry has already been cloned
// back onto its queue.
var ErrAlreadyReprocessed = errors.New("entry already reprocessed")

// ErrEntryNotFound is returned when no entry matches the given identifier.
var ErrEntryNotFound = errors.New("dead-letter entry not found")

// reprocessMaxAttempts caps retries for reprocessed clones; a job that
// already burned its full budget gets a short second chance, not another
// full one.
const reprocessMaxAttempts = 2

// Store persists dead-letter entries in the shared database.
type Store struct {
	db *storage.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Record archives a terminally failed job. Recording the same original job
// twice keeps the first entry; the operation is idempotent so a worker crash
// between record and ack cannot duplicate entries.
func (s *Store) Record(ctx context.Context, entry Entry) (string, error) {
	if entry.OriginalJobID == "" {
		return "", errors.New("original job id must not be empty")
	}
	if entry.ID == "" {
		entry.ID = "dl-" + entry.OriginalJobID
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx,
		`INSERT OR IGNORE INTO dead_letter_entries
           (id, original_job_id, queue, payload, failure_reason, failure_trace, attempts_made, failed_at, review_notes)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OriginalJobID,
		entry.Queue,
		string(entry.Payload),
		entry.FailureReason,
		storage.NullableString(entry.FailureTrace),
		entry.AttemptsMade,
		storage.FormatTime(entry.FailedAt),
		storage.NullableString(entry.ReviewNotes),
	)
	if err != nil {
		return "", fmt.Errorf("record dead letter: %w", err)
	}

	// Return the surviving entry's ID, which may predate this call.
	existing, err := s.getByOriginalJob(ctx, entry.OriginalJobID)
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

const entryColumns = "id, original_job_id, queue, payload, failure_reason, failure_trace, attempts_made, failed_at, review_notes, reprocessed_as_job_id"

// Get fetches one entry by identifier.
func (s *Store) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM dead_letter_entries WHERE id = ?`, entryID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return entry, nil
}

func (s *Store) getByOriginalJob(ctx context.Context, jobID string) (*Entry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM dead_letter_entries WHERE original_job_id = ?`, jobID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter by job: %w", err)
	}
	return entry, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, filter Filter, page Page) ([]*Entry, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Queue != "" {
		conditions = append(conditions, "queue = ?")
		args = append(args, filter.Queue)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "failed_at >= ?")
		args = append(args, storage.FormatTime(filter.Since))
	}

	query := `SELECT ` + entryColumns + ` FROM dead_letter_entries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY failed_at DESC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, nil
}

// Reprocess clones the entry's payload back onto its original queue with a
// fresh attempt budget and links the clone to the entry. An entry can be
// reprocessed at most once.
func (s *Store) Reprocess(ctx context.Context, sub queue.Substrate, entryID, notes string) (string, error) {
	entry, err := s.Get(ctx, entryID)
	if err != nil {
		return "", err
	}
	if entry.ReprocessedAsJobID != "" {
		return "", fmt.Errorf("reprocess %s: %w", entryID, ErrAlreadyReprocessed)
	}

	maxAttempts := reprocessMaxAttempts
	if entry.AttemptsMade < maxAttempts {
		maxAttempts = entry.AttemptsMade
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	jobID, err := sub.Enqueue(ctx, entry.Queue, entry.Payload, queue.EnqueueOptions{
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("reprocess enqueue: %w", err)
	}

	res, err := s.db.Exec(ctx,
		`UPDATE dead_letter_entries SET reprocessed_as_job_id = ?, review_notes = ?
         WHERE id = ? AND reprocessed_as_job_id IS NULL`,
		jobID,
		storage.NullableString(notes),
		entryID,
	)
	if err != nil {
		return "", fmt.Errorf("reprocess update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("reprocess update: %w", err)
	}
	if affected == 0 {
		return "", fmt.Errorf("reprocess %s: %w", entryID, ErrAlreadyReprocessed)
	}
	return jobID, nil
}

// Annotate attaches operator notes to an entry without reprocessing it.
func (s *Store) Annotate(ctx context.Context, entryID, notes string) error {
	res, err := s.db.Exec(ctx,
		`UPDATE dead_letter_entries SET review_notes = ? WHERE id = ?`,
		storage.NullableString(notes), entryID,
	)
	if err != nil {
		return fmt.Errorf("annotate dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("annotate dead letter: %w", err)
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Remove deletes an entry permanently.
func (s *Store) Remove(ctx context.Context, entryID string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM dead_letter_entries WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Count returns the total number of entries, optionally scoped to a queue.
func (s *Store) Count(ctx context.Context, queueName string) (int, error) {
	query := `SELECT COUNT(1) FROM dead_letter_entries`
	var args []any
	if queueName != "" {
		query += " WHERE queue = ?"
		args = append(args, queueName)
	}
	var count int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		entry       Entry
		payload     string
		trace       sql.NullString
		failedAtRaw string
		notes       sql.NullString
		reprocessed sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID, &entry.OriginalJobID, &entry.Queue, &payload,
		&entry.FailureReason, &trace, &entry.AttemptsMade, &failedAtRaw,
		&notes, &reprocessed,
	); err != nil {
		return nil, err
	}
	entry.Payload = []byte(payload)
	entry.FailureTrace = trace.String
	entry.ReviewNotes = notes.String
	entry.ReprocessedAsJobID = reprocessed.String
	if t, err := storage.ParseTime(failedAtRaw); err == nil {
		entry.FailedAt = t
	}
	return &entry, nil
}
