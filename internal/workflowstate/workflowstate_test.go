package workflowstate_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"conveyor/internal/testsupport"
	"conveyor/internal/workflowstate"
)

func newStore(t *testing.T) *workflowstate.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	return workflowstate.NewStore(db)
}

func chainStages() []workflowstate.StageDef {
	return []workflowstate.StageDef{
		{Name: "parse", CountsTowardProgress: true},
		{Name: "extract", CountsTowardProgress: true},
		{Name: "persist", CountsTowardProgress: false},
		{Name: "enrich", CountsTowardProgress: true},
		{Name: "sync", CountsTowardProgress: true},
	}
}

func mustCreate(t *testing.T, store *workflowstate.Store, workflowID string) {
	t.Helper()
	err := store.Create(context.Background(), workflowID, json.RawMessage(`{"document":"po-001.pdf"}`), chainStages())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-1")

	wf, err := store.Get(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Status != workflowstate.StatusPending {
		t.Fatalf("new workflow must be pending, got %s", wf.Status)
	}
	if len(wf.Stages) != 5 {
		t.Fatalf("expected 5 stages, got %d", len(wf.Stages))
	}
	for i, st := range wf.Stages {
		if st.Position != i {
			t.Fatalf("stage %s at position %d, want %d", st.Stage, st.Position, i)
		}
		if st.Status != workflowstate.StatusPending {
			t.Fatalf("stage %s must start pending, got %s", st.Stage, st.Status)
		}
	}
	if wf.Stages[2].CountsTowardProgress {
		t.Fatal("persist stage must not count toward progress")
	}
}

func TestStageTransitionsAreMonotonic(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-2")
	ctx := context.Background()

	if err := store.MarkStageProcessing(ctx, "wf-2", "parse"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := store.MarkStageCompleted(ctx, "wf-2", "parse", json.RawMessage(`{"pages":3}`)); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}

	// Idempotent completion.
	if err := store.MarkStageCompleted(ctx, "wf-2", "parse", nil); err != nil {
		t.Fatalf("repeat completion must be a no-op: %v", err)
	}

	// Backwards moves are rejected.
	if err := store.MarkStageProcessing(ctx, "wf-2", "parse"); !errors.Is(err, workflowstate.ErrStageTransition) {
		t.Fatalf("expected ErrStageTransition, got %v", err)
	}
	if err := store.MarkStageFailed(ctx, "wf-2", "parse", "late failure"); !errors.Is(err, workflowstate.ErrStageTransition) {
		t.Fatalf("expected ErrStageTransition, got %v", err)
	}

	wf, err := store.Get(ctx, "wf-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Stages[0].Status != workflowstate.StatusCompleted {
		t.Fatalf("parse must stay completed, got %s", wf.Stages[0].Status)
	}
	if string(wf.Stages[0].Result) != `{"pages":3}` {
		t.Fatalf("unexpected result payload %s", wf.Stages[0].Result)
	}
}

func TestWorkflowStatusDerivation(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-3")
	ctx := context.Background()

	if err := store.MarkStageProcessing(ctx, "wf-3", "parse"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	wf, _ := store.Get(ctx, "wf-3")
	if wf.Status != workflowstate.StatusProcessing {
		t.Fatalf("expected processing once a stage starts, got %s", wf.Status)
	}

	if err := store.MarkStageFailed(ctx, "wf-3", "parse", "bad mime type"); err != nil {
		t.Fatalf("MarkStageFailed: %v", err)
	}
	wf, _ = store.Get(ctx, "wf-3")
	if wf.Status != workflowstate.StatusFailed {
		t.Fatalf("one failed stage must fail the workflow, got %s", wf.Status)
	}
	if wf.Stages[0].ErrorMessage != "bad mime type" {
		t.Fatalf("expected failure message, got %q", wf.Stages[0].ErrorMessage)
	}
}

func TestWorkflowCompletesWhenCountingStagesComplete(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-4")
	ctx := context.Background()

	for _, stage := range []string{"parse", "extract", "enrich", "sync"} {
		if err := store.MarkStageProcessing(ctx, "wf-4", stage); err != nil {
			t.Fatalf("MarkStageProcessing(%s): %v", stage, err)
		}
		if err := store.MarkStageCompleted(ctx, "wf-4", stage, nil); err != nil {
			t.Fatalf("MarkStageCompleted(%s): %v", stage, err)
		}
	}

	wf, err := store.Get(ctx, "wf-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Status != workflowstate.StatusCompleted {
		t.Fatalf("all counting stages done must complete the workflow, got %s", wf.Status)
	}
}

func TestOverallProgressWeighting(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-5")
	ctx := context.Background()

	// parse completed, extract halfway, persist (non-counting) completed.
	if err := store.MarkStageProcessing(ctx, "wf-5", "parse"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := store.MarkStageCompleted(ctx, "wf-5", "parse", nil); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}
	if err := store.MarkStageProcessing(ctx, "wf-5", "extract"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := store.MarkStageProgress(ctx, "wf-5", "extract", 0.5); err != nil {
		t.Fatalf("MarkStageProgress: %v", err)
	}
	if err := store.MarkStageProcessing(ctx, "wf-5", "persist"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := store.MarkStageCompleted(ctx, "wf-5", "persist", nil); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}

	progress, err := store.OverallProgress(ctx, "wf-5")
	if err != nil {
		t.Fatalf("OverallProgress: %v", err)
	}
	// Four counting stages: parse=1, extract=0.5, enrich=0, sync=0.
	want := 1.5 / 4
	if math.Abs(progress-want) > 1e-9 {
		t.Fatalf("expected progress %.4f, got %.4f", want, progress)
	}
}

func TestProgressOnSettledStageIsDropped(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-6")
	ctx := context.Background()

	if err := store.MarkStageProcessing(ctx, "wf-6", "parse"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := store.MarkStageCompleted(ctx, "wf-6", "parse", nil); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}
	if err := store.MarkStageProgress(ctx, "wf-6", "parse", 0.2); err != nil {
		t.Fatalf("late progress must be dropped silently: %v", err)
	}

	wf, _ := store.Get(ctx, "wf-6")
	if wf.Stages[0].Progress != 1 {
		t.Fatalf("completed stage progress must stay 1, got %f", wf.Stages[0].Progress)
	}
}

func TestCancelIsSticky(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-7")
	ctx := context.Background()

	if err := store.MarkStageProcessing(ctx, "wf-7", "parse"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := store.Cancel(ctx, "wf-7"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := store.Cancel(ctx, "wf-7"); err != nil {
		t.Fatalf("repeat cancel must be a no-op: %v", err)
	}

	// Stage completion after cancel settles the stage but never revives the
	// workflow status.
	if err := store.MarkStageCompleted(ctx, "wf-7", "parse", nil); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}
	wf, err := store.Get(ctx, "wf-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Status != workflowstate.StatusCancelled {
		t.Fatalf("cancelled status must be sticky, got %s", wf.Status)
	}

	cancelled, err := store.IsCancelled(ctx, "wf-7")
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Fatal("expected IsCancelled true")
	}
}

func TestCancelCompletedWorkflowRejected(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-8")
	ctx := context.Background()

	for _, stage := range []string{"parse", "extract", "enrich", "sync"} {
		if err := store.MarkStageCompleted(ctx, "wf-8", stage, nil); err != nil {
			t.Fatalf("MarkStageCompleted(%s): %v", stage, err)
		}
	}
	if err := store.Cancel(ctx, "wf-8"); !errors.Is(err, workflowstate.ErrStageTransition) {
		t.Fatalf("expected ErrStageTransition, got %v", err)
	}
}

func TestResetStageAllowsRetry(t *testing.T) {
	store := newStore(t)
	mustCreate(t, store, "wf-9")
	ctx := context.Background()

	if err := store.MarkStageProcessing(ctx, "wf-9", "extract"); err != nil {
		t.Fatalf("MarkStageProcessing: %v", err)
	}
	if err := store.MarkStageFailed(ctx, "wf-9", "extract", "model timeout"); err != nil {
		t.Fatalf("MarkStageFailed: %v", err)
	}
	if err := store.ResetStage(ctx, "wf-9", "extract"); err != nil {
		t.Fatalf("ResetStage: %v", err)
	}

	wf, err := store.Get(ctx, "wf-9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Stages[1].Status != workflowstate.StatusPending {
		t.Fatalf("reset stage must be pending, got %s", wf.Stages[1].Status)
	}
	if wf.Status == workflowstate.StatusFailed {
		t.Fatal("workflow must leave failed after the only failed stage resets")
	}

	// Reset requires a failed stage.
	if err := store.ResetStage(ctx, "wf-9", "parse"); !errors.Is(err, workflowstate.ErrStageTransition) {
		t.Fatalf("expected ErrStageTransition, got %v", err)
	}
}

func TestGetUnknownWorkflow(t *testing.T) {
	store := newStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, workflowstate.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}
