package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/runstreamhq/runstream/event"
	"github.com/runstreamhq/runstream/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runstream.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedRun(t *testing.T, s *Store, runID, conversationID, status string) {
	t.Helper()
	if err := s.SaveRun(context.Background(), store.RunRecord{
		ID:             runID,
		ConversationID: conversationID,
		Status:         status,
		Input:          "hello",
	}); err != nil {
		t.Fatalf("seed run %s failed: %v", runID, err)
	}
}

func TestStore_SaveLoadRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)

	got, err := s.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.ID != "run-1" || got.ConversationID != "conv-1" || got.Status != store.RunRunning {
		t.Fatalf("unexpected run identity: %#v", got)
	}
	if got.RootRunID != "run-1" {
		t.Fatalf("root run should default to self, got %q", got.RootRunID)
	}
	if got.CreatedAt == nil || got.UpdatedAt == nil {
		t.Fatalf("timestamps should be set: %#v", got)
	}

	runs, err := s.ListRuns(ctx, store.ListRunsQuery{ConversationID: "conv-1", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	if _, err := s.LoadRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing run, got %v", err)
	}
}

func TestStore_SaveRunUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-upsert", "conv-1", store.RunRunning)
	first, err := s.LoadRun(ctx, "run-upsert")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}

	updated := first
	updated.Status = store.RunComplete
	updated.Output = "done"
	now := time.Now().UTC().Add(time.Second)
	updated.UpdatedAt = &now
	updated.CompletedAt = &now
	if err := s.SaveRun(ctx, updated); err != nil {
		t.Fatalf("SaveRun upsert failed: %v", err)
	}

	got, err := s.LoadRun(ctx, "run-upsert")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Status != store.RunComplete || got.Output != "done" {
		t.Fatalf("upsert not applied: %#v", got)
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(*first.CreatedAt) {
		t.Fatalf("created_at should remain unchanged: %#v", got.CreatedAt)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at should be set")
	}
}

func TestStore_MarkRunStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-mark", "conv-1", store.RunRunning)
	if err := s.MarkRunStatus(ctx, "run-mark", store.RunComplete); err != nil {
		t.Fatalf("MarkRunStatus failed: %v", err)
	}
	got, err := s.LoadRun(ctx, "run-mark")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Status != store.RunComplete {
		t.Fatalf("status not applied: %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("terminal status should set completed_at")
	}

	if err := s.MarkRunStatus(ctx, "missing", store.RunComplete); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ActiveAndQueuedRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ActiveRun(ctx, "conv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no runs, got %v", err)
	}

	seedRun(t, s, "run-a", "conv-1", store.RunComplete)
	seedRun(t, s, "run-b", "conv-1", store.RunRunning)
	time.Sleep(2 * time.Millisecond)
	seedRun(t, s, "run-c", "conv-1", store.RunPending)
	time.Sleep(2 * time.Millisecond)
	seedRun(t, s, "run-d", "conv-1", store.RunPending)

	active, err := s.ActiveRun(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ActiveRun failed: %v", err)
	}
	if active.ID != "run-b" {
		t.Fatalf("expected run-b active, got %s", active.ID)
	}

	next, err := s.NextQueuedRun(ctx, "conv-1")
	if err != nil {
		t.Fatalf("NextQueuedRun failed: %v", err)
	}
	if next.ID != "run-c" {
		t.Fatalf("expected oldest pending run-c, got %s", next.ID)
	}
}

func TestStore_FindContinuationsOf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-root", "conv-1", store.RunDeferred)
	now := time.Now().UTC()
	later := now.Add(time.Second)
	if err := s.SaveRun(ctx, store.RunRecord{
		ID:                  "run-cont",
		ConversationID:      "conv-1",
		Status:              store.RunPending,
		RootRunID:           "run-root",
		ContinuationOfRunID: "run-root",
		CreatedAt:           &later,
		UpdatedAt:           &later,
	}); err != nil {
		t.Fatalf("save continuation failed: %v", err)
	}

	conts, err := s.FindContinuationsOf(ctx, "run-root")
	if err != nil {
		t.Fatalf("FindContinuationsOf failed: %v", err)
	}
	if len(conts) != 1 || conts[0].ID != "run-cont" {
		t.Fatalf("unexpected continuations: %#v", conts)
	}
	if conts[0].RootRunID != "run-root" {
		t.Fatalf("root run should be inherited: %#v", conts[0])
	}

	none, err := s.FindContinuationsOf(ctx, "run-cont")
	if err != nil {
		t.Fatalf("FindContinuationsOf tip failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("tip should have no continuations: %#v", none)
	}
}

func TestStore_ClaimNextJobOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	base := time.Now().UTC()
	for i, spec := range []struct {
		id       string
		priority int
		offset   time.Duration
	}{
		{"job-low-old", 0, 0},
		{"job-high-new", 5, time.Second},
		{"job-low-new", 0, 2 * time.Second},
	} {
		created := base.Add(spec.offset)
		if err := s.EnqueueJob(ctx, store.JobRecord{
			ID:        spec.id,
			RunID:     "run-1",
			Priority:  spec.priority,
			CreatedAt: &created,
			UpdatedAt: &created,
		}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	for _, want := range []string{"job-high-new", "job-low-old", "job-low-new"} {
		job, err := s.ClaimNextJob(ctx, "owner-1")
		if err != nil {
			t.Fatalf("ClaimNextJob failed: %v", err)
		}
		if job.ID != want {
			t.Fatalf("expected %s, got %s", want, job.ID)
		}
		if job.Status != store.JobClaimed || job.ClaimOwner != "owner-1" {
			t.Fatalf("claim fields not set: %#v", job)
		}
		if job.ClaimedAt == nil || job.HeartbeatAt == nil {
			t.Fatalf("claim timestamps not set: %#v", job)
		}
	}

	if _, err := s.ClaimNextJob(ctx, "owner-1"); !errors.Is(err, store.ErrNoPendingJobs) {
		t.Fatalf("expected ErrNoPendingJobs, got %v", err)
	}
}

func TestStore_ClaimNextJobExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	if err := s.EnqueueJob(ctx, store.JobRecord{ID: "job-1", RunID: "run-1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.ClaimNextJob(ctx, owner)
			if err == nil {
				winners <- job.ClaimOwner
				return
			}
			if !errors.Is(err, store.ErrNoPendingJobs) && !errors.Is(err, store.ErrClaimConflict) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(winners)

	var owners []string
	for owner := range winners {
		owners = append(owners, owner)
	}
	if len(owners) != 1 {
		t.Fatalf("expected exactly one winning claim, got %d (%v)", len(owners), owners)
	}

	job, err := s.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if job.ClaimOwner != owners[0] {
		t.Fatalf("stored owner %q does not match winner %q", job.ClaimOwner, owners[0])
	}
}

func TestStore_HeartbeatOwnerGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	if err := s.EnqueueJob(ctx, store.JobRecord{ID: "job-1", RunID: "run-1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, "owner-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	ok, err := s.HeartbeatJob(ctx, "job-1", "owner-1")
	if err != nil || !ok {
		t.Fatalf("owner heartbeat should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = s.HeartbeatJob(ctx, "job-1", "owner-2")
	if err != nil {
		t.Fatalf("stale heartbeat errored: %v", err)
	}
	if ok {
		t.Fatal("heartbeat from a non-owner must be a no-op")
	}
}

func TestStore_CompleteAndFailOwnerGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	for _, id := range []string{"job-ok", "job-bad"} {
		if err := s.EnqueueJob(ctx, store.JobRecord{ID: id, RunID: "run-1"}); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}
	first, err := s.ClaimNextJob(ctx, "owner-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	second, err := s.ClaimNextJob(ctx, "owner-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := s.CompleteJob(ctx, first.ID, "owner-2", "ref"); !errors.Is(err, store.ErrClaimConflict) {
		t.Fatalf("non-owner complete should conflict, got %v", err)
	}
	if err := s.CompleteJob(ctx, first.ID, "owner-1", "/tmp/result.json"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	got, err := s.LoadJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if got.Status != store.JobComplete || got.ResultRef != "/tmp/result.json" || got.CompletedAt == nil {
		t.Fatalf("complete not applied: %#v", got)
	}
	// Completing twice conflicts: the terminal row no longer matches.
	if err := s.CompleteJob(ctx, first.ID, "owner-1", "ref2"); !errors.Is(err, store.ErrClaimConflict) {
		t.Fatalf("double complete should conflict, got %v", err)
	}

	if err := s.FailJob(ctx, second.ID, "owner-1", "boom"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	got, err = s.LoadJob(ctx, second.ID)
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if got.Status != store.JobFailed || got.Failure != "boom" {
		t.Fatalf("failure not applied: %#v", got)
	}
}

func TestStore_CancelJobsForRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	if err := s.EnqueueJob(ctx, store.JobRecord{ID: "job-pending", RunID: "run-1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := s.EnqueueJob(ctx, store.JobRecord{ID: "job-done", RunID: "run-1", Status: store.JobComplete}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := s.CancelJobsForRun(ctx, "run-1"); err != nil {
		t.Fatalf("CancelJobsForRun failed: %v", err)
	}

	pending, err := s.LoadJob(ctx, "job-pending")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if pending.Status != store.JobCanceled {
		t.Fatalf("pending job should be canceled: %#v", pending)
	}
	done, err := s.LoadJob(ctx, "job-done")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if done.Status != store.JobComplete {
		t.Fatalf("terminal job must not be touched: %#v", done)
	}
}

func TestStore_SweepStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	stale := time.Now().UTC().Add(-time.Minute)
	fresh := time.Now().UTC()

	// First attempt lost; should go back to pending.
	if err := s.EnqueueJob(ctx, store.JobRecord{
		ID: "job-requeue", RunID: "run-1", Status: store.JobRunning,
		ClaimOwner: "owner-dead", HeartbeatAt: &stale, Attempts: 0, MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	// Out of attempts; should become permanently failed.
	if err := s.EnqueueJob(ctx, store.JobRecord{
		ID: "job-exhausted", RunID: "run-1", Status: store.JobClaimed,
		ClaimOwner: "owner-dead", HeartbeatAt: &stale, Attempts: 2, MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	// Healthy claim; must be untouched.
	if err := s.EnqueueJob(ctx, store.JobRecord{
		ID: "job-healthy", RunID: "run-1", Status: store.JobRunning,
		ClaimOwner: "owner-live", HeartbeatAt: &fresh, Attempts: 0, MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	res, err := s.SweepStaleJobs(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("SweepStaleJobs failed: %v", err)
	}
	if res.Requeued != 1 || res.Failed != 1 {
		t.Fatalf("unexpected sweep result: %#v", res)
	}

	requeued, err := s.LoadJob(ctx, "job-requeue")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if requeued.Status != store.JobPending || requeued.Attempts != 1 {
		t.Fatalf("requeue not applied: %#v", requeued)
	}
	if requeued.ClaimOwner != "" || requeued.ClaimedAt != nil || requeued.HeartbeatAt != nil {
		t.Fatalf("claim fields should be cleared: %#v", requeued)
	}

	exhausted, err := s.LoadJob(ctx, "job-exhausted")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if exhausted.Status != store.JobFailed || exhausted.Attempts != 3 {
		t.Fatalf("exhaustion not applied: %#v", exhausted)
	}

	healthy, err := s.LoadJob(ctx, "job-healthy")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if healthy.Status != store.JobRunning || healthy.ClaimOwner != "owner-live" {
		t.Fatalf("healthy claim must be untouched: %#v", healthy)
	}

	// The dead owner's heartbeat is now a silent no-op.
	ok, err := s.HeartbeatJob(ctx, "job-requeue", "owner-dead")
	if err != nil {
		t.Fatalf("heartbeat errored: %v", err)
	}
	if ok {
		t.Fatal("requeued job must reject the old owner's heartbeat")
	}

	// A second sweep finds nothing: requeued jobs have no heartbeat.
	res, err = s.SweepStaleJobs(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if res.Requeued != 0 || res.Failed != 0 {
		t.Fatalf("second sweep should be empty: %#v", res)
	}
}

func TestStore_AppendEventMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	for i := 1; i <= 5; i++ {
		ev, err := s.AppendEvent(ctx, "run-1", event.RunToken, map[string]any{"n": i})
		if err != nil {
			t.Fatalf("AppendEvent %d failed: %v", i, err)
		}
		if ev.ID != int64(i) {
			t.Fatalf("expected id %d, got %d", i, ev.ID)
		}
	}

	latest, err := s.LatestEventID(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestEventID failed: %v", err)
	}
	if latest != 5 {
		t.Fatalf("expected latest 5, got %d", latest)
	}

	// Each run has its own sequence.
	seedRun(t, s, "run-2", "conv-1", store.RunRunning)
	ev, err := s.AppendEvent(ctx, "run-2", event.RunStarted, nil)
	if err != nil {
		t.Fatalf("AppendEvent run-2 failed: %v", err)
	}
	if ev.ID != 1 {
		t.Fatalf("second run should start at 1, got %d", ev.ID)
	}
}

func TestStore_AppendEventConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := s.AppendEvent(ctx, "run-1", event.ToolProgress, map[string]any{"writer": n}); err != nil {
					t.Errorf("concurrent append failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	events, err := s.ListEventsAfter(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter failed: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(events))
	}
	for i, ev := range events {
		if ev.ID != int64(i+1) {
			t.Fatalf("gap or duplicate at index %d: id %d", i, ev.ID)
		}
	}
}

func TestStore_ListEventsAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRun(t, s, "run-1", "conv-1", store.RunRunning)
	for i := 1; i <= 9; i++ {
		if _, err := s.AppendEvent(ctx, "run-1", event.RunToken, map[string]any{"n": i}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := s.ListEventsAfter(ctx, "run-1", 5, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected events 6..9, got %d", len(events))
	}
	if events[0].ID != 6 || events[3].ID != 9 {
		t.Fatalf("wrong boundary: first=%d last=%d", events[0].ID, events[3].ID)
	}

	limited, err := s.ListEventsAfter(ctx, "run-1", 0, 3)
	if err != nil {
		t.Fatalf("ListEventsAfter with limit failed: %v", err)
	}
	if len(limited) != 3 || limited[2].ID != 3 {
		t.Fatalf("limit not applied: %#v", limited)
	}

	empty, err := s.ListEventsAfter(ctx, "run-1", 9, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter at tip failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no events past the tip, got %d", len(empty))
	}
}
