package deadletter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"conveyor/internal/deadletter"
	"conveyor/internal/queue"
	"conveyor/internal/testsupport"
)

func newStore(t *testing.T) (*deadletter.Store, *queue.SQLiteSubstrate) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	return deadletter.NewStore(db), queue.NewSQLite(db)
}

func sampleEntry(jobID string) deadletter.Entry {
	return deadletter.Entry{
		OriginalJobID: jobID,
		Queue:         "extract",
		Payload:       []byte(`{"workflow_id":"wf-1"}`),
		FailureReason: "confidence below floor",
		AttemptsMade:  3,
	}
}

func TestRecordIsIdempotentPerJob(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	first, err := store.Record(ctx, sampleEntry("job-1"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	second, err := store.Record(ctx, sampleEntry("job-1"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if first != second {
		t.Fatalf("recording the same job twice must keep one entry: %s vs %s", first, second)
	}

	count, err := store.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry, got %d", count)
	}
}

func TestListFiltersAndPages(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	old := sampleEntry("job-old")
	old.FailedAt = time.Now().UTC().Add(-48 * time.Hour)
	if _, err := store.Record(ctx, old); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent := sampleEntry("job-recent")
	if _, err := store.Record(ctx, recent); err != nil {
		t.Fatalf("Record: %v", err)
	}

	other := sampleEntry("job-other-queue")
	other.Queue = "sync"
	if _, err := store.Record(ctx, other); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := store.List(ctx, deadletter.Filter{Queue: "extract"}, deadletter.Page{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 extract entries, got %d", len(entries))
	}
	if entries[0].OriginalJobID != "job-recent" {
		t.Fatalf("expected newest first, got %s", entries[0].OriginalJobID)
	}

	entries, err = store.List(ctx, deadletter.Filter{Since: time.Now().UTC().Add(-time.Hour)}, deadletter.Page{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 recent entries, got %d", len(entries))
	}

	entries, err = store.List(ctx, deadletter.Filter{}, deadletter.Page{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one page entry, got %d", len(entries))
	}
}

func TestReprocessClonesWithReducedBudget(t *testing.T) {
	store, sub := newStore(t)
	ctx := context.Background()

	entryID, err := store.Record(ctx, sampleEntry("job-2"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	jobID, err := store.Reprocess(ctx, sub, entryID, "vendor fixed upstream")
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	job, err := sub.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job == nil {
		t.Fatal("expected clone job on the queue")
	}
	if job.Queue != "extract" {
		t.Fatalf("clone must land on the original queue, got %s", job.Queue)
	}
	if job.AttemptsMade != 0 {
		t.Fatalf("clone must start with a fresh attempt count, got %d", job.AttemptsMade)
	}
	if job.MaxAttempts != 2 {
		t.Fatalf("clone budget must be capped at 2, got %d", job.MaxAttempts)
	}

	entry, err := store.Get(ctx, entryID)
	if err != nil {
		t.Fatalf("Get entry: %v", err)
	}
	if entry.ReprocessedAsJobID != jobID {
		t.Fatalf("entry must link its clone, got %q", entry.ReprocessedAsJobID)
	}
	if entry.ReviewNotes != "vendor fixed upstream" {
		t.Fatalf("expected review notes persisted, got %q", entry.ReviewNotes)
	}

	if _, err := store.Reprocess(ctx, sub, entryID, "again"); !errors.Is(err, deadletter.ErrAlreadyReprocessed) {
		t.Fatalf("expected ErrAlreadyReprocessed, got %v", err)
	}
}

func TestReprocessSingleAttemptEntry(t *testing.T) {
	store, sub := newStore(t)
	ctx := context.Background()

	entry := sampleEntry("job-3")
	entry.AttemptsMade = 1
	entryID, err := store.Record(ctx, entry)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	jobID, err := store.Reprocess(ctx, sub, entryID, "")
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	job, err := sub.Get(ctx, jobID)
	if err != nil || job == nil {
		t.Fatalf("Get: job=%v err=%v", job, err)
	}
	if job.MaxAttempts != 1 {
		t.Fatalf("clone budget must not exceed the original, got %d", job.MaxAttempts)
	}
}

func TestRemove(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	entryID, err := store.Record(ctx, sampleEntry("job-4"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Remove(ctx, entryID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Get(ctx, entryID); !errors.Is(err, deadletter.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if err := store.Remove(ctx, entryID); !errors.Is(err, deadletter.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound on double remove, got %v", err)
	}
}
