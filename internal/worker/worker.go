// Package worker runs the per-stage worker pools: lease a job, keep the
// lease alive, run the stage handler, and resolve the delivery according to
// the retry policy.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"conveyor/internal/deadletter"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/retrypolicy"
	"conveyor/internal/stage"
	"conveyor/internal/workflowstate"
)

// Envelope is the queue payload: everything else is loaded from the workflow
// store so redeliveries always see current state.
type Envelope struct {
	WorkflowID string `json:"workflow_id"`
}

// Hooks let the orchestrator chain stages without the pool knowing the chain.
type Hooks struct {
	// OnStageComplete fires after a successful attempt is acked.
	OnStageComplete func(ctx context.Context, workflowID string, stageName stage.Name, result json.RawMessage)
	// OnStageFailed fires after a terminal failure is dead-lettered.
	OnStageFailed func(ctx context.Context, workflowID string, stageName stage.Name, message string)
}

// Pool drives one stage's workers.
type Pool struct {
	descriptor   stage.Descriptor
	substrate    queue.Substrate
	policy       retrypolicy.Policy
	tracker      *workflowstate.Store
	dlq          *deadletter.Store
	hooks        Hooks
	pollInterval time.Duration
	logger       *slog.Logger

	wg sync.WaitGroup
}

// NewPool wires a pool for one stage descriptor.
func NewPool(
	descriptor stage.Descriptor,
	substrate queue.Substrate,
	policy retrypolicy.Policy,
	tracker *workflowstate.Store,
	dlq *deadletter.Store,
	hooks Hooks,
	pollInterval time.Duration,
	logger *slog.Logger,
) *Pool {
	return &Pool{
		descriptor:   descriptor,
		substrate:    substrate,
		policy:       policy,
		tracker:      tracker,
		dlq:          dlq,
		hooks:        hooks,
		pollInterval: pollInterval,
		logger:       logging.NewComponentLogger(logger, "worker-"+string(descriptor.Name)),
	}
}

// Start launches the configured number of workers. They run until ctx is
// cancelled; Wait blocks until all have drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.descriptor.Concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runLoop(ctx)
		}()
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.substrate.Lease(ctx, p.descriptor.Name.Queue(), p.descriptor.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Substrate outages pause the loop without touching any job's
			// attempt budget.
			p.logger.WarnContext(ctx, "queue substrate unavailable",
				logging.Error(err),
				logging.Duration("retry_in", p.policy.SubstrateRetryDelay))
			if !sleep(ctx, p.policy.SubstrateRetryDelay) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, p.pollInterval) {
				return
			}
			continue
		}

		p.processJob(ctx, job)
	}
}

func (p *Pool) processJob(ctx context.Context, job *queue.Job) {
	logger := p.logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("attempt", job.AttemptsMade))

	var envelope Envelope
	if err := json.Unmarshal(job.Payload, &envelope); err != nil || envelope.WorkflowID == "" {
		logger.ErrorContext(ctx, "malformed job payload", logging.Error(err))
		p.deadLetter(ctx, job, "", "malformed job payload")
		return
	}
	logger = logger.With(logging.String(logging.FieldWorkflowID, envelope.WorkflowID))

	wf, err := p.tracker.Get(ctx, envelope.WorkflowID)
	if err != nil {
		if errors.Is(err, workflowstate.ErrWorkflowNotFound) {
			logger.ErrorContext(ctx, "job references unknown workflow")
			p.deadLetter(ctx, job, envelope.WorkflowID, "unknown workflow")
			return
		}
		logger.WarnContext(ctx, "load workflow state", logging.Error(err))
		p.nackRetry(ctx, job, logger)
		return
	}

	// Cooperative cancellation: settle the job without running the handler.
	if wf.Status == workflowstate.StatusCancelled {
		logger.InfoContext(ctx, "workflow cancelled, dropping job")
		if err := p.substrate.Ack(ctx, job.ID); err != nil {
			logger.WarnContext(ctx, "ack cancelled job", logging.Error(err))
		}
		return
	}

	// Idempotent redelivery: the stage already completed on an earlier
	// attempt whose ack was lost.
	for _, st := range wf.Stages {
		if st.Stage == string(p.descriptor.Name) && st.Status == workflowstate.StatusCompleted {
			logger.InfoContext(ctx, "stage already completed, re-acking")
			if err := p.substrate.Ack(ctx, job.ID); err != nil {
				logger.WarnContext(ctx, "ack completed job", logging.Error(err))
			}
			if p.hooks.OnStageComplete != nil {
				p.hooks.OnStageComplete(ctx, wf.ID, p.descriptor.Name, st.Result)
			}
			return
		}
	}

	if err := p.tracker.MarkStageProcessing(ctx, wf.ID, string(p.descriptor.Name)); err != nil {
		logger.WarnContext(ctx, "mark stage processing", logging.Error(err))
		p.nackRetry(ctx, job, logger)
		return
	}

	result, execErr := p.execute(ctx, job, wf)
	if execErr == nil {
		p.settleSuccess(ctx, job, wf.ID, result, logger)
		return
	}
	p.settleFailure(ctx, job, wf.ID, execErr, logger)
}

// execute runs the handler under a lease-renewal loop and converts panics
// into ordinary errors so a misbehaving handler never kills the worker.
func (p *Pool) execute(ctx context.Context, job *queue.Job, wf *workflowstate.Workflow) (result json.RawMessage, err error) {
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go p.renewLoop(renewCtx, job.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	req := &stage.Request{
		WorkflowID:   wf.ID,
		Stage:        p.descriptor.Name,
		Data:         wf.Data,
		PriorResults: priorResults(wf),
		Progress: func(fraction float64) {
			if progressErr := p.tracker.MarkStageProgress(ctx, wf.ID, string(p.descriptor.Name), fraction); progressErr != nil {
				p.logger.DebugContext(ctx, "record progress", logging.Error(progressErr))
			}
		},
	}
	return p.descriptor.Handler.Execute(ctx, req)
}

// renewLoop extends the lease at a third of its duration so one missed tick
// still leaves headroom before expiry.
func (p *Pool) renewLoop(ctx context.Context, jobID string) {
	interval := p.descriptor.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.substrate.RenewLease(ctx, jobID, p.descriptor.LeaseDuration); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.WarnContext(ctx, "renew lease",
					logging.String(logging.FieldJobID, jobID),
					logging.Error(err))
			}
		}
	}
}

func (p *Pool) settleSuccess(ctx context.Context, job *queue.Job, workflowID string, result json.RawMessage, logger *slog.Logger) {
	if err := p.tracker.MarkStageCompleted(ctx, workflowID, string(p.descriptor.Name), result); err != nil {
		logger.ErrorContext(ctx, "mark stage completed", logging.Error(err))
		p.nackRetry(ctx, job, logger)
		return
	}
	if err := p.substrate.Ack(ctx, job.ID); err != nil {
		// The stage result is recorded; redelivery will hit the
		// already-completed path and re-ack.
		logger.WarnContext(ctx, "ack job", logging.Error(err))
	}
	logger.InfoContext(ctx, "stage completed")
	if p.hooks.OnStageComplete != nil {
		p.hooks.OnStageComplete(ctx, workflowID, p.descriptor.Name, result)
	}
}

func (p *Pool) settleFailure(ctx context.Context, job *queue.Job, workflowID string, execErr error, logger *slog.Logger) {
	decision := p.policy.Decide(job.AttemptsMade, job.MaxAttempts, execErr)
	if decision.Retry {
		logger.WarnContext(ctx, "stage attempt failed, retrying",
			logging.Error(execErr),
			logging.Duration("retry_in", decision.Delay))
		if err := p.substrate.Nack(ctx, job.ID, queue.Resolution{RetryAfter: decision.Delay}); err != nil {
			logger.WarnContext(ctx, "nack job", logging.Error(err))
		}
		return
	}

	logger.ErrorContext(ctx, "stage failed permanently", logging.Error(execErr))
	p.recordDeadLetter(ctx, job, execErr.Error())
	if err := p.tracker.MarkStageFailed(ctx, workflowID, string(p.descriptor.Name), execErr.Error()); err != nil {
		logger.WarnContext(ctx, "mark stage failed", logging.Error(err))
	}
	if err := p.substrate.Nack(ctx, job.ID, queue.Resolution{Terminal: true}); err != nil {
		logger.WarnContext(ctx, "nack terminal job", logging.Error(err))
	}
	if p.hooks.OnStageFailed != nil {
		p.hooks.OnStageFailed(ctx, workflowID, p.descriptor.Name, execErr.Error())
	}
}

// deadLetter handles jobs that cannot even be attempted.
func (p *Pool) deadLetter(ctx context.Context, job *queue.Job, workflowID, reason string) {
	p.recordDeadLetter(ctx, job, reason)
	if workflowID != "" {
		if err := p.tracker.MarkStageFailed(ctx, workflowID, string(p.descriptor.Name), reason); err != nil {
			p.logger.WarnContext(ctx, "mark stage failed", logging.Error(err))
		}
	}
	if err := p.substrate.Nack(ctx, job.ID, queue.Resolution{Terminal: true}); err != nil {
		p.logger.WarnContext(ctx, "nack terminal job", logging.Error(err))
	}
}

func (p *Pool) recordDeadLetter(ctx context.Context, job *queue.Job, reason string) {
	_, err := p.dlq.Record(ctx, deadletter.Entry{
		OriginalJobID: job.ID,
		Queue:         job.Queue,
		Payload:       job.Payload,
		FailureReason: reason,
		AttemptsMade:  job.AttemptsMade,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "record dead letter",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
}

func (p *Pool) nackRetry(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	if err := p.substrate.Nack(ctx, job.ID, queue.Resolution{RetryAfter: p.policy.SubstrateRetryDelay}); err != nil {
		logger.WarnContext(ctx, "nack job", logging.Error(err))
	}
}

func priorResults(wf *workflowstate.Workflow) map[stage.Name]json.RawMessage {
	results := make(map[stage.Name]json.RawMessage)
	for _, st := range wf.Stages {
		if st.Status == workflowstate.StatusCompleted && len(st.Result) > 0 {
			results[stage.Name(st.Stage)] = st.Result
		}
	}
	return results
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
