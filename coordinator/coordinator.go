// Package coordinator owns the run state machine. It serializes turns
// per conversation, drives each run through its lifecycle, delivers
// blocking job results back into waiting runs, and defers runs whose
// blocking work outlives the client's patience.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runstreamhq/runstream/event"
	"github.com/runstreamhq/runstream/store"
)

// ErrRunDeferred is returned from Turn.Await when the watchdog released
// the client. The run is already in the deferred state; the processor
// should unwind without treating it as a failure.
var ErrRunDeferred = errors.New("coordinator: run deferred")

// DefaultDeferAfter is how long a blocking wait may hold the client
// before the run is deferred.
const DefaultDeferAfter = 60 * time.Second

// ProcessFunc is one turn of application logic. It streams tokens and
// delegates work through the Turn, and returns the run's final output.
type ProcessFunc func(ctx context.Context, turn *Turn) (string, error)

// Canceler aborts a running worker process. Implemented by the
// executor; optional.
type Canceler interface {
	Cancel(jobID string) bool
}

type Options struct {
	// DeferAfter bounds a blocking wait. Zero means DefaultDeferAfter.
	DeferAfter time.Duration
	Canceler   Canceler
}

type Coordinator struct {
	store      store.Store
	pub        *event.Publisher
	process    ProcessFunc
	canceler   Canceler
	deferAfter time.Duration

	continuations *continuationManager

	mu        sync.Mutex
	executing map[string]string
	waiters   map[string]chan store.JobRecord
	cancels   map[string]context.CancelFunc
	wg        sync.WaitGroup
}

func New(st store.Store, pub *event.Publisher, process ProcessFunc, opts Options) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if process == nil {
		return nil, fmt.Errorf("process func is required")
	}
	if opts.DeferAfter <= 0 {
		opts.DeferAfter = DefaultDeferAfter
	}
	c := &Coordinator{
		store:      st,
		pub:        pub,
		process:    process,
		canceler:   opts.Canceler,
		deferAfter: opts.DeferAfter,
		executing:  map[string]string{},
		waiters:    map[string]chan store.JobRecord{},
		cancels:    map[string]context.CancelFunc{},
	}
	c.continuations = newContinuationManager(c)
	return c, nil
}

// Submit records a new turn for the conversation and starts it unless
// another run of the same conversation is still in flight, in which
// case it waits its turn in FIFO order.
func (c *Coordinator) Submit(ctx context.Context, conversationID, input string) (store.RunRecord, error) {
	run := store.RunRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Status:         store.RunPending,
		Input:          input,
	}
	run.RootRunID = run.ID
	if err := c.store.SaveRun(ctx, run); err != nil {
		return store.RunRecord{}, fmt.Errorf("save run: %w", err)
	}
	c.schedule(conversationID)
	return c.store.LoadRun(ctx, run.ID)
}

// Cancel terminates a run: the run row, its jobs, and any worker
// processes still running for it. Canceling a terminal run is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if store.IsTerminalRunStatus(run.Status) {
		return nil
	}
	if err := c.store.MarkRunStatus(ctx, runID, store.RunCanceled); err != nil {
		return fmt.Errorf("mark run canceled: %w", err)
	}
	if err := c.store.CancelJobsForRun(ctx, runID); err != nil {
		log.Printf("coordinator: cancel jobs for run %s: %v", runID, err)
	}
	if c.canceler != nil {
		jobs, err := c.store.ListJobs(ctx, store.ListJobsQuery{RunID: runID})
		if err == nil {
			for _, job := range jobs {
				c.canceler.Cancel(job.ID)
			}
		}
	}

	c.mu.Lock()
	cancel := c.cancels[runID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.emitRun(ctx, run, event.RunCanceled, nil)
	c.schedule(run.ConversationID)
	return nil
}

// OnJobFinished receives terminal jobs from the executor. A waiting run
// gets the result in place; a run that already reached a terminal state
// gets it through the continuation chain. The send happens under the
// mutex so a waiter that is being dropped either keeps the job out of
// its channel entirely or finds it there on the post-drop drain; the
// result can never fall between the two.
func (c *Coordinator) OnJobFinished(ctx context.Context, job store.JobRecord) {
	c.mu.Lock()
	waiter, ok := c.waiters[job.ID]
	if ok {
		delete(c.waiters, job.ID)
		// Buffered one deep; never blocks.
		waiter <- job
	}
	c.mu.Unlock()
	if ok {
		return
	}
	c.continuations.handle(ctx, job)
}

// Wait blocks until every in-flight run goroutine has finished. Used
// at shutdown and in tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// schedule promotes the oldest pending run of the conversation if no
// run of that conversation is currently executing here. The in-process
// map is authoritative; there is exactly one coordinator per store.
func (c *Coordinator) schedule(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.executing[conversationID]; busy {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	next, err := c.store.NextQueuedRun(ctx, conversationID)
	cancel()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("coordinator: next queued run for %s: %v", conversationID, err)
		}
		return
	}
	c.executing[conversationID] = next.ID
	c.wg.Add(1)
	go c.execute(next)
}

func (c *Coordinator) execute(run store.RunRecord) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.executing, run.ConversationID)
		delete(c.cancels, run.ID)
		c.mu.Unlock()
		c.schedule(run.ConversationID)
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.mu.Lock()
	c.cancels[run.ID] = cancel
	c.mu.Unlock()

	ctx := runCtx
	if err := c.store.MarkRunStatus(ctx, run.ID, store.RunRunning); err != nil {
		log.Printf("coordinator: mark run %s running: %v", run.ID, err)
		return
	}
	c.emitRun(ctx, run, event.RunStarted, map[string]any{"input": run.Input})

	turn := &Turn{run: run, co: c, ctx: runCtx}
	output, err := c.process(runCtx, turn)

	// A cancel that landed mid-turn wins over whatever the processor
	// returned; the terminal row is already written.
	current, loadErr := c.store.LoadRun(context.Background(), run.ID)
	if loadErr == nil && current.Status == store.RunCanceled {
		return
	}
	if errors.Is(err, ErrRunDeferred) {
		return
	}

	finish := context.Background()
	if err != nil {
		current.Status = store.RunError
		current.Error = err.Error()
		now := time.Now().UTC()
		current.UpdatedAt = &now
		current.CompletedAt = &now
		if saveErr := c.store.SaveRun(finish, current); saveErr != nil {
			log.Printf("coordinator: save failed run %s: %v", run.ID, saveErr)
		}
		c.emitRun(finish, run, event.RunError, map[string]any{"error": err.Error()})
		return
	}

	current.Status = store.RunComplete
	current.Output = output
	now := time.Now().UTC()
	current.UpdatedAt = &now
	current.CompletedAt = &now
	if saveErr := c.store.SaveRun(finish, current); saveErr != nil {
		log.Printf("coordinator: save completed run %s: %v", run.ID, saveErr)
	}
	c.emitRun(finish, run, event.RunComplete, map[string]any{"output": output})
}

func (c *Coordinator) emit(ctx context.Context, runID string, typ event.Type, payload map[string]any) {
	if _, err := c.pub.Append(ctx, runID, typ, payload); err != nil {
		log.Printf("coordinator: emit %s for run %s failed: %v", typ, runID, err)
	}
}

// emitRun emits on run's log with the lineage tags attached, so a
// client tracking the chain's original run id can discover events of
// its continuations.
func (c *Coordinator) emitRun(ctx context.Context, run store.RunRecord, typ event.Type, payload map[string]any) {
	c.emit(ctx, run.ID, typ, lineagePayload(run, payload))
}

// lineagePayload adds rootRunId and continuationOfRunId to the payload
// of any run that is not its own root. Root runs stay untagged.
func lineagePayload(run store.RunRecord, payload map[string]any) map[string]any {
	if run.RootRunID == "" || run.RootRunID == run.ID {
		return payload
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["rootRunId"] = run.RootRunID
	if run.ContinuationOfRunID != "" {
		payload["continuationOfRunId"] = run.ContinuationOfRunID
	}
	return payload
}

// Turn is the handle a ProcessFunc uses to interact with its run.
type Turn struct {
	run store.RunRecord
	co  *Coordinator
	ctx context.Context
}

func (t *Turn) Run() store.RunRecord {
	return t.run
}

// Emit streams one output token on the run's event log.
func (t *Turn) Emit(ctx context.Context, token string) error {
	_, err := t.co.pub.Append(ctx, t.run.ID, event.RunToken, lineagePayload(t.run, map[string]any{"token": token}))
	return err
}

// Delegate enqueues a job owned by this run. Blocking jobs are meant to
// be followed by Await; fire-and-forget jobs just land in the log when
// they finish.
func (t *Turn) Delegate(ctx context.Context, payload map[string]any, blocking bool, priority int) (store.JobRecord, error) {
	job := store.JobRecord{
		ID:       uuid.NewString(),
		RunID:    t.run.ID,
		Status:   store.JobPending,
		Blocking: blocking,
		Priority: priority,
		Payload:  payload,
	}
	if err := t.co.store.EnqueueJob(ctx, job); err != nil {
		return store.JobRecord{}, fmt.Errorf("enqueue job: %w", err)
	}
	t.co.emitRun(ctx, t.run, event.JobSpawned, map[string]any{
		"jobId":    job.ID,
		"blocking": blocking,
	})
	return t.co.store.LoadJob(ctx, job.ID)
}

// Await blocks the turn on jobID. The run sits in the waiting state
// until the job finishes, then resumes. If the watchdog fires first the
// run is deferred and Await returns ErrRunDeferred; the job keeps
// running and its result arrives later as a continuation.
func (t *Turn) Await(ctx context.Context, jobID string) (store.JobRecord, error) {
	ch := make(chan store.JobRecord, 1)
	t.co.mu.Lock()
	t.co.waiters[jobID] = ch
	t.co.mu.Unlock()
	drop := func() {
		t.co.mu.Lock()
		if t.co.waiters[jobID] == ch {
			delete(t.co.waiters, jobID)
		}
		t.co.mu.Unlock()
	}

	if err := t.co.store.MarkRunStatus(ctx, t.run.ID, store.RunWaiting); err != nil {
		drop()
		return store.JobRecord{}, fmt.Errorf("mark run waiting: %w", err)
	}
	t.co.emitRun(ctx, t.run, event.RunWaiting, map[string]any{"jobId": jobID})

	// The job may have finished before the waiter was registered; the
	// terminal row is durable, so look once after registering.
	if job, err := t.co.store.LoadJob(ctx, jobID); err == nil && store.IsTerminalJobStatus(job.Status) {
		drop()
		select {
		case got := <-ch:
			job = got
		default:
		}
		return t.resume(ctx, job)
	}

	watchdog := time.NewTimer(t.co.deferAfter)
	defer watchdog.Stop()

	select {
	case job := <-ch:
		return t.resume(ctx, job)
	case <-watchdog.C:
		// Commit the deferred row before dropping the waiter: a result
		// delivered while the row commits lands in the buffered channel
		// and is drained below, and one arriving after the drop finds
		// the run already terminal and takes the continuation path.
		if err := t.co.store.MarkRunStatus(ctx, t.run.ID, store.RunDeferred); err != nil {
			log.Printf("coordinator: mark run %s deferred: %v", t.run.ID, err)
		}
		t.co.emitRun(ctx, t.run, event.RunDeferred, map[string]any{"jobId": jobID})
		drop()
		select {
		case job := <-ch:
			t.co.continuations.handle(ctx, job)
		default:
		}
		return store.JobRecord{}, ErrRunDeferred
	case <-ctx.Done():
		drop()
		select {
		case job := <-ch:
			// The run is about to be marked canceled or failed; let the
			// continuation manager route the result once it settles.
			go t.co.continuations.handle(context.Background(), job)
		default:
		}
		return store.JobRecord{}, ctx.Err()
	}
}

func (t *Turn) resume(ctx context.Context, job store.JobRecord) (store.JobRecord, error) {
	if err := t.co.store.MarkRunStatus(ctx, t.run.ID, store.RunResumed); err != nil {
		return store.JobRecord{}, fmt.Errorf("mark run resumed: %w", err)
	}
	t.co.emitRun(ctx, t.run, event.RunResumed, map[string]any{"jobId": job.ID})
	return job, nil
}
