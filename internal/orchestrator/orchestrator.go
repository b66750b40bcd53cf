// Package orchestrator ties the pipeline together: it starts workflows,
// chains stage completions into successor enqueues, and exposes the operator
// surface the CLI and HTTP API call.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/deadletter"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/retrypolicy"
	"conveyor/internal/stage"
	"conveyor/internal/storage"
	"conveyor/internal/worker"
	"conveyor/internal/workflowstate"
)

// ErrRetryNotAllowed is returned when RetryStage targets a stage that has not
// failed.
var ErrRetryNotAllowed = errors.New("stage is not in a retryable state")

// Orchestrator owns the worker pools and the workflow lifecycle. All
// dependencies are passed in; nothing global.
type Orchestrator struct {
	cfg       *config.Config
	db        *storage.DB
	substrate queue.Substrate
	registry  *stage.Registry
	tracker   *workflowstate.Store
	dlq       *deadletter.Store
	policy    retrypolicy.Policy
	logger    *slog.Logger

	mu      sync.Mutex
	pools   []*worker.Pool
	cancel  context.CancelFunc
	started bool
}

// New wires an orchestrator. The substrate, tracker, and dead-letter store
// must share the same lifetime as the returned value.
func New(
	cfg *config.Config,
	db *storage.DB,
	substrate queue.Substrate,
	registry *stage.Registry,
	tracker *workflowstate.Store,
	dlq *deadletter.Store,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		db:        db,
		substrate: substrate,
		registry:  registry,
		tracker:   tracker,
		dlq:       dlq,
		policy:    retrypolicy.FromConfig(cfg),
		logger:    logging.NewComponentLogger(logger, "orchestrator"),
	}
}

// Start launches one worker pool per stage. Calling Start twice is an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	hooks := worker.Hooks{
		OnStageComplete: o.OnStageComplete,
		OnStageFailed:   o.OnStageFailed,
	}
	for _, descriptor := range o.registry.All() {
		pool := worker.NewPool(descriptor, o.substrate, o.policy, o.tracker, o.dlq, hooks, o.cfg.PollInterval(), o.logger)
		pool.Start(runCtx)
		o.pools = append(o.pools, pool)
	}
	o.started = true
	o.logger.InfoContext(ctx, "worker pools started", logging.Int("stages", len(o.pools)))
	return nil
}

// Stop cancels the pools and waits for in-flight attempts to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	pools := o.pools
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, pool := range pools {
		pool.Wait()
	}
}

// StartWorkflow registers a workflow for the submitted document data and
// enqueues its first stage.
func (o *Orchestrator) StartWorkflow(ctx context.Context, data json.RawMessage) (string, error) {
	workflowID := uuid.NewString()

	defs := make([]workflowstate.StageDef, 0, len(o.registry.All()))
	for _, descriptor := range o.registry.All() {
		defs = append(defs, workflowstate.StageDef{
			Name:                 string(descriptor.Name),
			CountsTowardProgress: descriptor.CountsTowardProgress,
		})
	}
	if err := o.tracker.Create(ctx, workflowID, data, defs); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}

	first := o.registry.All()[0]
	if err := o.enqueueStage(ctx, workflowID, first); err != nil {
		return "", err
	}

	o.logger.InfoContext(ctx, "workflow started",
		logging.String(logging.FieldWorkflowID, workflowID))
	return workflowID, nil
}

// OnStageComplete advances the chain. It is idempotent: redelivered
// completions for a stage whose successor is already running enqueue a
// duplicate job, which the worker settles against the recorded stage state.
// Cancelled workflows never get a successor.
func (o *Orchestrator) OnStageComplete(ctx context.Context, workflowID string, stageName stage.Name, result json.RawMessage) {
	cancelled, err := o.tracker.IsCancelled(ctx, workflowID)
	if err != nil {
		o.logger.ErrorContext(ctx, "check cancellation",
			logging.String(logging.FieldWorkflowID, workflowID),
			logging.Error(err))
		return
	}
	if cancelled {
		o.logger.InfoContext(ctx, "workflow cancelled, chain stops",
			logging.String(logging.FieldWorkflowID, workflowID),
			logging.String(logging.FieldStage, string(stageName)))
		return
	}

	next, ok := stageName.Next()
	if !ok {
		// Final stage; the tracker derived the completed status already.
		o.logger.InfoContext(ctx, "workflow completed",
			logging.String(logging.FieldWorkflowID, workflowID))
		return
	}

	// Idempotence: if the successor already completed, a redelivered
	// completion must not re-enqueue it.
	wf, err := o.tracker.Get(ctx, workflowID)
	if err != nil {
		o.logger.ErrorContext(ctx, "load workflow",
			logging.String(logging.FieldWorkflowID, workflowID),
			logging.Error(err))
		return
	}
	for _, st := range wf.Stages {
		if st.Stage == string(next) && st.Status != workflowstate.StatusPending {
			return
		}
	}

	descriptor, _ := o.registry.Get(next)
	if err := o.enqueueStage(ctx, workflowID, descriptor); err != nil {
		o.logger.ErrorContext(ctx, "enqueue successor stage",
			logging.String(logging.FieldWorkflowID, workflowID),
			logging.String(logging.FieldStage, string(next)),
			logging.Error(err))
	}
}

// OnStageFailed logs the terminal failure; the worker already recorded the
// stage state and the dead-letter entry.
func (o *Orchestrator) OnStageFailed(ctx context.Context, workflowID string, stageName stage.Name, message string) {
	o.logger.ErrorContext(ctx, "workflow stage failed",
		logging.String(logging.FieldWorkflowID, workflowID),
		logging.String(logging.FieldStage, string(stageName)),
		logging.String("reason", message))
}

// RetryStage re-runs a failed stage from the stored workflow data. Only
// failed stages are retryable.
func (o *Orchestrator) RetryStage(ctx context.Context, workflowID string, stageName stage.Name) error {
	wf, err := o.tracker.Get(ctx, workflowID)
	if err != nil {
		return err
	}

	var found bool
	for _, st := range wf.Stages {
		if st.Stage != string(stageName) {
			continue
		}
		found = true
		if st.Status != workflowstate.StatusFailed {
			return fmt.Errorf("retry %s/%s from %s: %w", workflowID, stageName, st.Status, ErrRetryNotAllowed)
		}
	}
	if !found {
		return fmt.Errorf("%s/%s: %w", workflowID, stageName, workflowstate.ErrStageNotFound)
	}

	if err := o.tracker.ResetStage(ctx, workflowID, string(stageName)); err != nil {
		return err
	}
	descriptor, _ := o.registry.Get(stageName)
	if err := o.enqueueStage(ctx, workflowID, descriptor); err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "stage retry requested",
		logging.String(logging.FieldWorkflowID, workflowID),
		logging.String(logging.FieldStage, string(stageName)))
	return nil
}

// CancelWorkflow stops the chain. In-flight attempts finish; their
// completions are dropped before any successor is enqueued.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := o.tracker.Cancel(ctx, workflowID); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "workflow cancelled",
		logging.String(logging.FieldWorkflowID, workflowID))
	return nil
}

// Status returns the workflow with its per-stage breakdown.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (*workflowstate.Workflow, error) {
	return o.tracker.Get(ctx, workflowID)
}

// Progress returns overall completion in [0, 1].
func (o *Orchestrator) Progress(ctx context.Context, workflowID string) (float64, error) {
	return o.tracker.OverallProgress(ctx, workflowID)
}

// ListWorkflows returns recent workflows, optionally filtered by status.
func (o *Orchestrator) ListWorkflows(ctx context.Context, status workflowstate.Status, limit int) ([]*workflowstate.Workflow, error) {
	return o.tracker.List(ctx, status, limit)
}

// QueueStats reports per-stage queue depths.
func (o *Orchestrator) QueueStats(ctx context.Context) ([]queue.Stats, error) {
	stats := make([]queue.Stats, 0, len(o.registry.All()))
	for _, descriptor := range o.registry.All() {
		s, err := o.substrate.Stats(ctx, descriptor.Name.Queue())
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// DeadLetters exposes the dead-letter store to the operator surfaces.
func (o *Orchestrator) DeadLetters() *deadletter.Store {
	return o.dlq
}

// ReprocessDeadLetter clones a dead-letter entry back onto its queue. The
// failed stage is reset to pending first so the redelivered job can run.
func (o *Orchestrator) ReprocessDeadLetter(ctx context.Context, entryID, notes string) (string, error) {
	entry, err := o.dlq.Get(ctx, entryID)
	if err != nil {
		return "", err
	}

	var envelope worker.Envelope
	if json.Unmarshal(entry.Payload, &envelope) == nil && envelope.WorkflowID != "" {
		err := o.tracker.ResetStage(ctx, envelope.WorkflowID, entry.Queue)
		if err != nil && !errors.Is(err, workflowstate.ErrStageTransition) {
			return "", err
		}
	}
	return o.dlq.Reprocess(ctx, o.substrate, entryID, notes)
}

// HealthCheck runs every stage handler's health check.
func (o *Orchestrator) HealthCheck(ctx context.Context) []stage.Health {
	checks := make([]stage.Health, 0, len(o.registry.All()))
	for _, descriptor := range o.registry.All() {
		checks = append(checks, descriptor.Handler.HealthCheck(ctx))
	}
	return checks
}

func (o *Orchestrator) enqueueStage(ctx context.Context, workflowID string, descriptor stage.Descriptor) error {
	payload, err := json.Marshal(worker.Envelope{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	_, err = o.substrate.Enqueue(ctx, descriptor.Name.Queue(), payload, queue.EnqueueOptions{
		MaxAttempts: descriptor.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", descriptor.Name, err)
	}
	return nil
}
