package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runstreamhq/runstream/event"
	"github.com/runstreamhq/runstream/store"
)

// continuationManager routes a job that finished after its run already
// reached a terminal state. The result is merged into the chain's open
// continuation if one exists, otherwise a new continuation run is
// spawned at the end of the chain.
type continuationManager struct {
	co *Coordinator

	mu     sync.Mutex
	chains map[string]*sync.Mutex
}

func newContinuationManager(co *Coordinator) *continuationManager {
	return &continuationManager{
		co:     co,
		chains: map[string]*sync.Mutex{},
	}
}

func (m *continuationManager) handle(ctx context.Context, job store.JobRecord) {
	run, err := m.co.store.LoadRun(ctx, job.RunID)
	if err != nil {
		log.Printf("continuation: load run %s for job %s: %v", job.RunID, job.ID, err)
		return
	}

	if !store.IsTerminalRunStatus(run.Status) {
		// A live run with no waiter was a fire-and-forget job; its
		// terminal event is already in the log and nothing else is owed.
		if !job.Blocking {
			return
		}
		// A blocking job with no waiter means its turn is mid-transition:
		// the watchdog or a cancel is committing the terminal row, or the
		// turn is about to find the result on the durable job row. Wait
		// for the run to settle rather than dropping the result.
		settled, owed := m.awaitRunSettled(ctx, job)
		if !owed {
			return
		}
		run = settled
	}
	// Canceled work is discarded, not continued.
	if run.Status == store.RunCanceled || job.Status == store.JobCanceled {
		return
	}
	// A run that completed normally can only have gotten past a blocking
	// wait by consuming the result in place; nothing is owed.
	if job.Blocking && run.Status == store.RunComplete {
		return
	}

	// One goroutine per chain at a time; two late jobs of the same run
	// must not both decide to spawn.
	lock := m.chainLock(run.RootRunID)
	lock.Lock()
	defer lock.Unlock()

	tip, err := m.chainTip(ctx, run)
	if err != nil {
		log.Printf("continuation: walk chain for run %s: %v", run.ID, err)
		return
	}

	if !store.IsTerminalRunStatus(tip.Status) {
		m.merge(ctx, tip, run, job)
		return
	}
	m.spawn(ctx, tip, run, job)
}

// awaitRunSettled polls until job's run reaches a terminal state. It
// reports owed=false when a waiter for the job appears, or when the run
// never settles: in both cases the turn itself owns delivery through
// the durable job row.
func (m *continuationManager) awaitRunSettled(ctx context.Context, job store.JobRecord) (store.RunRecord, bool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < 200; i++ {
		m.co.mu.Lock()
		_, waiting := m.co.waiters[job.ID]
		m.co.mu.Unlock()
		if waiting {
			return store.RunRecord{}, false
		}
		run, err := m.co.store.LoadRun(ctx, job.RunID)
		if err != nil {
			log.Printf("continuation: reload run %s for job %s: %v", job.RunID, job.ID, err)
			return store.RunRecord{}, false
		}
		if store.IsTerminalRunStatus(run.Status) {
			return run, true
		}
		select {
		case <-ctx.Done():
			return store.RunRecord{}, false
		case <-ticker.C:
		}
	}
	return store.RunRecord{}, false
}

// chainTip follows continuation_of_run_id links forward from run to the
// newest run in the chain. Links only point backward, so the walk asks
// the store who continues each node.
func (m *continuationManager) chainTip(ctx context.Context, run store.RunRecord) (store.RunRecord, error) {
	tip := run
	for {
		conts, err := m.co.store.FindContinuationsOf(ctx, tip.ID)
		if err != nil {
			return store.RunRecord{}, err
		}
		if len(conts) == 0 {
			return tip, nil
		}
		tip = conts[len(conts)-1]
	}
}

// merge lands the late result in the open continuation's event log. The
// continuation's processor reads it from the job row; the event makes
// it visible to anyone streaming that run.
func (m *continuationManager) merge(ctx context.Context, tip, origin store.RunRecord, job store.JobRecord) {
	payload := map[string]any{
		"jobId":     job.ID,
		"originRun": origin.ID,
		"status":    job.Status,
	}
	if job.ResultRef != "" {
		payload["resultRef"] = job.ResultRef
	}
	if job.Failure != "" {
		payload["failure"] = job.Failure
	}
	m.co.emitRun(ctx, tip, event.JobSummary, payload)
}

// spawn creates a fresh continuation run carrying the job result as its
// input, announces it on the originating run's log, and queues it like
// any other turn.
func (m *continuationManager) spawn(ctx context.Context, tip, origin store.RunRecord, job store.JobRecord) {
	input, err := json.Marshal(map[string]any{
		"jobId":     job.ID,
		"status":    job.Status,
		"resultRef": job.ResultRef,
		"failure":   job.Failure,
	})
	if err != nil {
		log.Printf("continuation: marshal input for job %s: %v", job.ID, err)
		return
	}

	now := time.Now().UTC()
	cont := store.RunRecord{
		ID:                  uuid.NewString(),
		ConversationID:      origin.ConversationID,
		Status:              store.RunPending,
		Input:               string(input),
		RootRunID:           origin.RootRunID,
		ContinuationOfRunID: tip.ID,
		CreatedAt:           &now,
		UpdatedAt:           &now,
	}
	if err := m.co.store.SaveRun(ctx, cont); err != nil {
		log.Printf("continuation: save continuation of run %s: %v", tip.ID, err)
		return
	}

	m.co.emitRun(ctx, origin, event.ContinuationSpawned, map[string]any{
		"continuationRunId": cont.ID,
		"jobId":             job.ID,
	})
	m.co.schedule(origin.ConversationID)
}

func (m *continuationManager) chainLock(rootRunID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.chains[rootRunID]
	if !ok {
		lock = &sync.Mutex{}
		m.chains[rootRunID] = lock
	}
	return lock
}
