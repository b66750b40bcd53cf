package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"conveyor/internal/deadletter"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/retrypolicy"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/testsupport"
	"conveyor/internal/worker"
	"conveyor/internal/workflowstate"
)

type scriptedHandler struct {
	mu       sync.Mutex
	calls    int
	execute  func(call int, req *stage.Request) (json.RawMessage, error)
	executed chan struct{}
}

func (h *scriptedHandler) Execute(ctx context.Context, req *stage.Request) (json.RawMessage, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()
	defer func() {
		select {
		case h.executed <- struct{}{}:
		default:
		}
	}()
	return h.execute(call, req)
}

func (h *scriptedHandler) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(stage.NameParse)
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fixture struct {
	substrate *queue.SQLiteSubstrate
	tracker   *workflowstate.Store
	dlq       *deadletter.Store
	policy    retrypolicy.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	return &fixture{
		substrate: queue.NewSQLite(db),
		tracker:   workflowstate.NewStore(db),
		dlq:       deadletter.NewStore(db),
		policy: retrypolicy.Policy{
			BaseDelay:           time.Millisecond,
			CapDelay:            5 * time.Millisecond,
			SubstrateRetryDelay: time.Millisecond,
		},
	}
}

func (f *fixture) startWorkflow(t *testing.T, workflowID string, maxAttempts int) {
	t.Helper()
	ctx := context.Background()
	err := f.tracker.Create(ctx, workflowID, json.RawMessage(`{"document_key":"uploads/a.pdf"}`), []workflowstate.StageDef{
		{Name: "parse", CountsTowardProgress: true},
	})
	if err != nil {
		t.Fatalf("Create workflow: %v", err)
	}
	payload, _ := json.Marshal(worker.Envelope{WorkflowID: workflowID})
	_, err = f.substrate.Enqueue(ctx, "parse", payload, queue.EnqueueOptions{MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func (f *fixture) runPool(t *testing.T, handler stage.Handler, hooks worker.Hooks, maxAttempts int) (context.CancelFunc, *worker.Pool) {
	t.Helper()
	descriptor := stage.Descriptor{
		Name:                 stage.NameParse,
		Concurrency:          1,
		LeaseDuration:        time.Minute,
		MaxAttempts:          maxAttempts,
		CountsTowardProgress: true,
		Handler:              handler,
	}
	pool := worker.NewPool(descriptor, f.substrate, f.policy, f.tracker, f.dlq, hooks, time.Millisecond, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
	return cancel, pool
}

func TestPoolCompletesStage(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "wf-ok", 3)

	completed := make(chan json.RawMessage, 1)
	handler := &scriptedHandler{
		executed: make(chan struct{}, 16),
		execute: func(call int, req *stage.Request) (json.RawMessage, error) {
			if string(req.Data) != `{"document_key":"uploads/a.pdf"}` {
				t.Errorf("unexpected request data %s", req.Data)
			}
			req.ReportProgress(0.5)
			return json.RawMessage(`{"pages":1}`), nil
		},
	}
	f.runPool(t, handler, worker.Hooks{
		OnStageComplete: func(ctx context.Context, workflowID string, stageName stage.Name, result json.RawMessage) {
			select {
			case completed <- result:
			default:
			}
		},
	}, 3)

	select {
	case result := <-completed:
		if string(result) != `{"pages":1}` {
			t.Fatalf("unexpected result %s", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion hook")
	}

	wf, err := f.tracker.Get(context.Background(), "wf-ok")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Stages[0].Status != workflowstate.StatusCompleted {
		t.Fatalf("expected completed stage, got %s", wf.Stages[0].Status)
	}
}

func TestPoolExhaustsAttemptsAndDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "wf-fail", 3)

	failed := make(chan string, 4)
	handler := &scriptedHandler{
		executed: make(chan struct{}, 16),
		execute: func(call int, req *stage.Request) (json.RawMessage, error) {
			return nil, errors.New("collaborator exploded")
		},
	}
	f.runPool(t, handler, worker.Hooks{
		OnStageFailed: func(ctx context.Context, workflowID string, stageName stage.Name, message string) {
			failed <- message
		},
	}, 3)

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure hook")
	}

	if got := handler.callCount(); got != 3 {
		t.Fatalf("handler must run exactly maxAttempts times, got %d", got)
	}

	entries, err := f.dlq.List(context.Background(), deadletter.Filter{Queue: "parse"}, deadletter.Page{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dead-letter entry, got %d", len(entries))
	}
	if entries[0].AttemptsMade != 3 {
		t.Fatalf("entry must record the attempt count, got %d", entries[0].AttemptsMade)
	}

	wf, err := f.tracker.Get(context.Background(), "wf-fail")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Status != workflowstate.StatusFailed {
		t.Fatalf("expected failed workflow, got %s", wf.Status)
	}
}

func TestPoolTerminalErrorSkipsRetries(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "wf-validation", 5)

	failed := make(chan string, 1)
	handler := &scriptedHandler{
		executed: make(chan struct{}, 16),
		execute: func(call int, req *stage.Request) (json.RawMessage, error) {
			return nil, services.Wrap(services.ErrValidation, "parse", "decode", "unsupported mime type", nil)
		},
	}
	f.runPool(t, handler, worker.Hooks{
		OnStageFailed: func(ctx context.Context, workflowID string, stageName stage.Name, message string) {
			select {
			case failed <- message:
			default:
			}
		},
	}, 5)

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure hook")
	}
	if got := handler.callCount(); got != 1 {
		t.Fatalf("validation failures must not be retried, got %d attempts", got)
	}
}

func TestPoolRecoversFromHandlerPanic(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "wf-panic", 2)

	failed := make(chan string, 1)
	handler := &scriptedHandler{
		executed: make(chan struct{}, 16),
		execute: func(call int, req *stage.Request) (json.RawMessage, error) {
			panic("handler bug")
		},
	}
	f.runPool(t, handler, worker.Hooks{
		OnStageFailed: func(ctx context.Context, workflowID string, stageName stage.Name, message string) {
			select {
			case failed <- message:
			default:
			}
		},
	}, 2)

	select {
	case message := <-failed:
		if message == "" {
			t.Fatal("expected panic message in failure hook")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure hook")
	}
	if got := handler.callCount(); got != 2 {
		t.Fatalf("panics count as failed attempts, got %d", got)
	}
}

func TestPoolDropsCancelledWorkflows(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "wf-cancelled", 3)
	if err := f.tracker.Cancel(context.Background(), "wf-cancelled"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	handler := &scriptedHandler{
		executed: make(chan struct{}, 16),
		execute: func(call int, req *stage.Request) (json.RawMessage, error) {
			return nil, nil
		},
	}
	f.runPool(t, handler, worker.Hooks{}, 3)

	// Give the pool time to lease and settle the job, then verify the
	// handler never ran and the job is gone.
	deadline := time.After(5 * time.Second)
	for {
		stats, err := f.substrate.Stats(context.Background(), "parse")
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Completed == 1 && stats.Waiting == 0 && stats.Active == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never settled: %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := handler.callCount(); got != 0 {
		t.Fatalf("cancelled workflow must not execute handlers, got %d calls", got)
	}
}

func TestPoolReacksAlreadyCompletedStage(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "wf-dup", 3)

	// Simulate a lost ack: the stage result is recorded but the job is
	// delivered again.
	if err := f.tracker.MarkStageProcessing(context.Background(), "wf-dup", "parse"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := f.tracker.MarkStageCompleted(context.Background(), "wf-dup", "parse", json.RawMessage(`{"pages":2}`)); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}

	completed := make(chan json.RawMessage, 1)
	handler := &scriptedHandler{
		executed: make(chan struct{}, 16),
		execute: func(call int, req *stage.Request) (json.RawMessage, error) {
			return nil, errors.New("must not run")
		},
	}
	f.runPool(t, handler, worker.Hooks{
		OnStageComplete: func(ctx context.Context, workflowID string, stageName stage.Name, result json.RawMessage) {
			select {
			case completed <- result:
			default:
			}
		},
	}, 3)

	select {
	case result := <-completed:
		if string(result) != `{"pages":2}` {
			t.Fatalf("expected recorded result, got %s", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion hook")
	}
	if got := handler.callCount(); got != 0 {
		t.Fatalf("completed stage must not re-execute, got %d calls", got)
	}
}
