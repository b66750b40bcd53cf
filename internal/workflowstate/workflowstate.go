// Package workflowstate tracks each workflow's journey through the stage
// chain: per-stage status and progress, plus the derived overall status.
package workflowstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/storage"
)

// Status is shared by workflows and their stages. Workflows additionally use
// StatusCancelled; stages never do.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether a workflow status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageDef declares one stage of a new workflow.
type StageDef struct {
	Name string
	// CountsTowardProgress excludes bookkeeping stages from the progress
	// denominator when false.
	CountsTowardProgress bool
}

// StageState is the persisted state of one stage of one workflow.
type StageState struct {
	Stage                string
	Position             int
	Status               Status
	Progress             float64
	CountsTowardProgress bool
	ErrorMessage         string
	Result               json.RawMessage
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// Workflow is a tracked document run with its per-stage breakdown.
type Workflow struct {
	ID        string
	Status    Status
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	Stages    []StageState
}

// ErrWorkflowNotFound is returned when no workflow matches the identifier.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrStageNotFound is returned when a workflow has no stage by that name.
var ErrStageNotFound = errors.New("workflow stage not found")

// ErrStageTransition is returned for backwards stage transitions, e.g.
// completed back to processing.
var ErrStageTransition = errors.New("invalid stage transition")

// Store persists workflow state in the shared database.
type Store struct {
	db *storage.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create registers a workflow with all its stages pending.
func (s *Store) Create(ctx context.Context, workflowID string, data json.RawMessage, stages []StageDef) error {
	if workflowID == "" {
		return errors.New("workflow id must not be empty")
	}
	if len(stages) == 0 {
		return errors.New("workflow needs at least one stage")
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	now := storage.FormatTime(time.Now().UTC())
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			workflowID, StatusPending, string(data), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		for position, def := range stages {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO workflow_stages (workflow_id, stage, position, status, progress, counts_toward_progress)
                 VALUES (?, ?, ?, ?, 0, ?)`,
				workflowID, def.Name, position, StatusPending, boolToInt(def.CountsTowardProgress),
			)
			if err != nil {
				return fmt.Errorf("insert stage %s: %w", def.Name, err)
			}
		}
		return nil
	})
}

// Get loads a workflow and its stages in chain order.
func (s *Store) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, status, data, created_at, updated_at FROM workflows WHERE id = ?`, workflowID)

	var (
		wf                    Workflow
		data                  string
		createdRaw, updatedRaw string
	)
	err := row.Scan(&wf.ID, &wf.Status, &data, &createdRaw, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	wf.Data = json.RawMessage(data)
	if t, err := storage.ParseTime(createdRaw); err == nil {
		wf.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedRaw); err == nil {
		wf.UpdatedAt = t
	}

	rows, err := s.db.Query(ctx,
		`SELECT stage, position, status, progress, counts_toward_progress, error_message, result, started_at, completed_at
         FROM workflow_stages WHERE workflow_id = ? ORDER BY position`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st           StageState
			counts       int
			errMsg       sql.NullString
			result       sql.NullString
			startedRaw   sql.NullString
			completedRaw sql.NullString
		)
		if err := rows.Scan(&st.Stage, &st.Position, &st.Status, &st.Progress, &counts, &errMsg, &result, &startedRaw, &completedRaw); err != nil {
			return nil, fmt.Errorf("scan workflow stage: %w", err)
		}
		st.CountsTowardProgress = counts != 0
		st.ErrorMessage = errMsg.String
		if result.Valid {
			st.Result = json.RawMessage(result.String)
		}
		if startedRaw.Valid {
			if t, err := storage.ParseTime(startedRaw.String); err == nil {
				st.StartedAt = &t
			}
		}
		if completedRaw.Valid {
			if t, err := storage.ParseTime(completedRaw.String); err == nil {
				st.CompletedAt = &t
			}
		}
		wf.Stages = append(wf.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get workflow stages: %w", err)
	}
	return &wf, nil
}

// MarkStageProcessing moves a stage from pending (or a retried failure reset)
// into processing. Repeated calls while processing are no-ops so redeliveries
// stay idempotent.
func (s *Store) MarkStageProcessing(ctx context.Context, workflowID, stage string) error {
	return s.transitionStage(ctx, workflowID, stage, StatusProcessing, "", nil)
}

// MarkStageProgress records fractional progress for a processing stage.
// Values are clamped to [0, 1].
func (s *Store) MarkStageProgress(ctx context.Context, workflowID, stage string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	res, err := s.db.Exec(ctx,
		`UPDATE workflow_stages SET progress = ? WHERE workflow_id = ? AND stage = ? AND status = ?`,
		progress, workflowID, stage, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark stage progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark stage progress: %w", err)
	}
	if affected == 0 {
		// Progress on a stage that is not processing is dropped, not an
		// error: a late progress callback can race the completion.
		return nil
	}
	return nil
}

// MarkStageCompleted finalizes a stage with its result. Completing an already
// completed stage is a no-op.
func (s *Store) MarkStageCompleted(ctx context.Context, workflowID, stage string, result json.RawMessage) error {
	return s.transitionStage(ctx, workflowID, stage, StatusCompleted, "", result)
}

// MarkStageFailed finalizes a stage with its failure message.
func (s *Store) MarkStageFailed(ctx context.Context, workflowID, stage, message string) error {
	return s.transitionStage(ctx, workflowID, stage, StatusFailed, message, nil)
}

// ResetStage moves a failed stage back to pending so it can be retried.
func (s *Store) ResetStage(ctx context.Context, workflowID, stage string) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_stages
             SET status = ?, progress = 0, error_message = NULL, started_at = NULL, completed_at = NULL
             WHERE workflow_id = ? AND stage = ? AND status = ?`,
			StatusPending, workflowID, stage, StatusFailed,
		)
		if err != nil {
			return fmt.Errorf("reset stage: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset stage: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("reset %s/%s: %w", workflowID, stage, ErrStageTransition)
		}
		return s.recomputeWorkflow(ctx, tx, workflowID)
	})
}

// Cancel marks a workflow cancelled. Cancellation is sticky: terminal
// workflows keep their status and cancel is idempotent.
func (s *Store) Cancel(ctx context.Context, workflowID string) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		var current Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, workflowID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkflowNotFound
		}
		if err != nil {
			return fmt.Errorf("cancel workflow: %w", err)
		}
		if current == StatusCancelled {
			return nil
		}
		if current.IsTerminal() {
			return fmt.Errorf("cancel %s from %s: %w", workflowID, current, ErrStageTransition)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
			StatusCancelled, storage.FormatTime(time.Now().UTC()), workflowID,
		)
		if err != nil {
			return fmt.Errorf("cancel workflow: %w", err)
		}
		return nil
	})
}

// IsCancelled reports whether the workflow has been cancelled.
func (s *Store) IsCancelled(ctx context.Context, workflowID string) (bool, error) {
	var status Status
	err := s.db.QueryRow(ctx, `SELECT status FROM workflows WHERE id = ?`, workflowID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrWorkflowNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query workflow status: %w", err)
	}
	return status == StatusCancelled, nil
}

// OverallProgress returns completion in [0, 1] across the stages that count
// toward progress. Completed stages contribute fully; processing stages
// contribute their fractional progress.
func (s *Store) OverallProgress(ctx context.Context, workflowID string) (float64, error) {
	wf, err := s.Get(ctx, workflowID)
	if err != nil {
		return 0, err
	}

	var total, done float64
	for _, st := range wf.Stages {
		if !st.CountsTowardProgress {
			continue
		}
		total++
		switch st.Status {
		case StatusCompleted:
			done++
		case StatusProcessing:
			done += st.Progress
		}
	}
	if total == 0 {
		return 0, nil
	}
	return done / total, nil
}

// List returns workflows newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Workflow, error) {
	query := `SELECT id FROM workflows`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	workflows := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

func (s *Store) transitionStage(ctx context.Context, workflowID, stage string, target Status, message string, result json.RawMessage) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		var current Status
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM workflow_stages WHERE workflow_id = ? AND stage = ?`,
			workflowID, stage,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", workflowID, stage, ErrStageNotFound)
		}
		if err != nil {
			return fmt.Errorf("query stage status: %w", err)
		}

		if current == target {
			// Idempotent redeliveries land here.
			return nil
		}
		if !stageTransitionAllowed(current, target) {
			return fmt.Errorf("%s/%s: %s -> %s: %w", workflowID, stage, current, target, ErrStageTransition)
		}

		now := storage.FormatTime(time.Now().UTC())
		switch target {
		case StatusProcessing:
			_, err = tx.ExecContext(ctx,
				`UPDATE workflow_stages SET status = ?, started_at = COALESCE(started_at, ?), error_message = NULL
                 WHERE workflow_id = ? AND stage = ?`,
				target, now, workflowID, stage,
			)
		case StatusCompleted:
			_, err = tx.ExecContext(ctx,
				`UPDATE workflow_stages SET status = ?, progress = 1, result = ?, completed_at = ?
                 WHERE workflow_id = ? AND stage = ?`,
				target, storage.NullableString(string(result)), now, workflowID, stage,
			)
		case StatusFailed:
			_, err = tx.ExecContext(ctx,
				`UPDATE workflow_stages SET status = ?, error_message = ?, completed_at = ?
                 WHERE workflow_id = ? AND stage = ?`,
				target, storage.NullableString(message), now, workflowID, stage,
			)
		default:
			return fmt.Errorf("unsupported stage transition target %s", target)
		}
		if err != nil {
			return fmt.Errorf("update stage: %w", err)
		}
		return s.recomputeWorkflow(ctx, tx, workflowID)
	})
}

// Stage statuses only move forward: pending -> processing -> completed|failed.
func stageTransitionAllowed(current, target Status) bool {
	switch current {
	case StatusPending:
		return target == StatusProcessing || target == StatusCompleted || target == StatusFailed
	case StatusProcessing:
		return target == StatusCompleted || target == StatusFailed
	default:
		return false
	}
}

// recomputeWorkflow derives the workflow status from its stages: failed if
// any stage failed, completed once every counting stage completed, processing
// while anything has started. Cancelled workflows keep their status.
func (s *Store) recomputeWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) error {
	var current Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, workflowID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return fmt.Errorf("query workflow status: %w", err)
	}
	if current == StatusCancelled {
		return nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT status, counts_toward_progress FROM workflow_stages WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("query stage statuses: %w", err)
	}
	defer rows.Close()

	var (
		anyFailed     bool
		anyStarted    bool
		countingTotal int
		countingDone  int
	)
	for rows.Next() {
		var status Status
		var counts int
		if err := rows.Scan(&status, &counts); err != nil {
			return fmt.Errorf("scan stage status: %w", err)
		}
		switch status {
		case StatusFailed:
			anyFailed = true
		case StatusProcessing:
			anyStarted = true
		case StatusCompleted:
			anyStarted = true
		}
		if counts != 0 {
			countingTotal++
			if status == StatusCompleted {
				countingDone++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query stage statuses: %w", err)
	}

	next := StatusPending
	switch {
	case anyFailed:
		next = StatusFailed
	case countingTotal > 0 && countingDone == countingTotal:
		next = StatusCompleted
	case anyStarted:
		next = StatusProcessing
	}
	if next == current {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		next, storage.FormatTime(time.Now().UTC()), workflowID,
	)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
