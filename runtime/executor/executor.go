// Package executor turns a claimed job into a finished one. Each job
// runs as a single external worker process in an isolated workspace;
// the process's stdout is a JSONL stream of sub-events that the
// executor relays into the owning run's event log.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/runstreamhq/runstream/event"
	"github.com/runstreamhq/runstream/runtime/workspace"
	"github.com/runstreamhq/runstream/store"
)

const (
	// DefaultTimeout bounds a worker's wall-clock lifetime.
	DefaultTimeout = time.Hour

	maxScanLine = 1 << 20
)

// Result is what a worker run produced. ResultRef points at the result
// document inside the workspace; it is opaque to the executor.
type Result struct {
	ResultRef string
	Summary   map[string]any
}

// Runner executes the worker for one job. The production runner spawns
// an external process; tests substitute an in-process fake.
type Runner interface {
	Run(ctx context.Context, job store.JobRecord, emit func(typ event.Type, payload map[string]any)) (Result, error)
}

// Notifier is told about every terminal job, after the terminal status
// is durably recorded. Notification failures never reverse a job.
type Notifier interface {
	OnJobFinished(ctx context.Context, job store.JobRecord)
}

type NotifierFunc func(ctx context.Context, job store.JobRecord)

func (f NotifierFunc) OnJobFinished(ctx context.Context, job store.JobRecord) {
	if f != nil {
		f(ctx, job)
	}
}

type Options struct {
	// Command is the worker argv. The job's workspace path is appended
	// as the final argument.
	Command []string
	// BaseDir is where per-job workspaces are created.
	BaseDir string
	// Timeout is the wall-clock limit per job. Zero means DefaultTimeout.
	Timeout time.Duration
	// KeepFailedWorkspaces leaves the workspace of a failed job on disk.
	KeepFailedWorkspaces bool
}

func (o *Options) normalize() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if len(o.Command) == 0 {
		o.Command = []string{"runstream-worker"}
	}
}

// Executor drives one job from claimed to terminal. It is safe for
// concurrent use; each Execute call is independent.
type Executor struct {
	store    store.Store
	pub      *event.Publisher
	runner   Runner
	notifier Notifier
	opts     Options

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(st store.Store, pub *event.Publisher, runner Runner, notifier Notifier, opts Options) *Executor {
	opts.normalize()
	if runner == nil {
		runner = &ProcessRunner{Command: opts.Command, BaseDir: opts.BaseDir, KeepFailedWorkspaces: opts.KeepFailedWorkspaces}
	}
	return &Executor{
		store:    st,
		pub:      pub,
		runner:   runner,
		notifier: notifier,
		opts:     opts,
		active:   map[string]context.CancelFunc{},
	}
}

// Execute runs job to a terminal state. The terminal job row is written
// before any terminal event is emitted and before the notifier is told,
// so a crash between the two loses only the notification, never the
// status. owner must be the claim owner that holds the job.
func (e *Executor) Execute(ctx context.Context, job store.JobRecord, owner string) error {
	if err := e.store.MarkJobRunning(ctx, job.ID, owner); err != nil {
		return fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	job.Status = store.JobRunning
	e.emit(ctx, job.RunID, event.JobStarted, map[string]any{
		"jobId":   job.ID,
		"attempt": job.Attempts,
	})

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	e.register(job.ID, cancel)
	defer e.unregister(job.ID)

	emitSub := func(typ event.Type, payload map[string]any) {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["jobId"] = job.ID
		e.emit(ctx, job.RunID, typ, payload)
	}

	result, runErr := e.runner.Run(runCtx, job, emitSub)
	if runErr != nil {
		reason := failureReason(runCtx, runErr)
		return e.fail(ctx, job, owner, reason)
	}
	return e.complete(ctx, job, owner, result)
}

// Cancel aborts the worker of jobID if it is running here. The job row
// transitions through the normal failure path once the worker dies.
func (e *Executor) Cancel(jobID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Executor) complete(ctx context.Context, job store.JobRecord, owner string, result Result) error {
	if err := e.store.CompleteJob(ctx, job.ID, owner, result.ResultRef); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	job.Status = store.JobComplete
	job.ResultRef = result.ResultRef

	payload := map[string]any{"jobId": job.ID}
	if result.ResultRef != "" {
		payload["resultRef"] = result.ResultRef
	}
	e.emit(ctx, job.RunID, event.JobComplete, payload)
	if len(result.Summary) > 0 {
		e.emit(ctx, job.RunID, event.JobSummary, map[string]any{
			"jobId":   job.ID,
			"summary": result.Summary,
		})
	}
	e.notify(ctx, job)
	return nil
}

func (e *Executor) fail(ctx context.Context, job store.JobRecord, owner, reason string) error {
	if err := e.store.FailJob(ctx, job.ID, owner, reason); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	job.Status = store.JobFailed
	job.Failure = reason

	e.emit(ctx, job.RunID, event.JobFailed, map[string]any{
		"jobId":  job.ID,
		"reason": reason,
	})
	e.notify(ctx, job)
	return nil
}

func (e *Executor) emit(ctx context.Context, runID string, typ event.Type, payload map[string]any) {
	if e.pub == nil {
		return
	}
	if _, err := e.pub.Append(ctx, runID, typ, payload); err != nil {
		log.Printf("executor: emit %s for run %s failed: %v", typ, runID, err)
	}
}

func (e *Executor) notify(ctx context.Context, job store.JobRecord) {
	if e.notifier == nil {
		return
	}
	e.notifier.OnJobFinished(ctx, job)
}

func (e *Executor) register(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[jobID] = cancel
	e.mu.Unlock()
}

func (e *Executor) unregister(jobID string) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}

func failureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		return "canceled"
	default:
		return err.Error()
	}
}

// ProcessRunner spawns one external worker process per job in its own
// process group and workspace. Lines the worker writes to stdout are
// parsed as JSONL sub-events and relayed through emit.
type ProcessRunner struct {
	Command              []string
	BaseDir              string
	KeepFailedWorkspaces bool
}

var _ Runner = (*ProcessRunner)(nil)

func (r *ProcessRunner) Run(ctx context.Context, job store.JobRecord, emit func(typ event.Type, payload map[string]any)) (Result, error) {
	ws, err := workspace.Create(r.BaseDir, job.ID)
	if err != nil {
		return Result{}, err
	}
	meta := &workspace.JobMetadata{
		JobID:    job.ID,
		RunID:    job.RunID,
		Attempt:  job.Attempts,
		Payload:  job.Payload,
		Blocking: job.Blocking,
	}
	if err := ws.WriteJobMetadata(meta); err != nil {
		return Result{}, err
	}

	argv := append(append([]string{}, r.Command...), ws.Path)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.Path
	configureProcAttr(cmd)

	stderr, err := os.Create(filepath.Join(ws.Path, "stderr.log"))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stderr log: %w", err)
	}
	defer stderr.Close()
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start worker: %w", err)
	}

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		relaySubEvents(stdout, emit)
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if err := killProcessGroup(cmd); err != nil {
			log.Printf("executor: kill worker for job %s: %v", job.ID, err)
		}
		<-waitErr
		<-relayed
		return Result{}, ctx.Err()
	case err := <-waitErr:
		<-relayed
		if err != nil {
			return Result{}, fmt.Errorf("worker exited: %w", err)
		}
	}

	result := Result{}
	if raw, err := os.ReadFile(ws.ResultPath()); err == nil {
		result.ResultRef = ws.ResultPath()
		var doc struct {
			Summary map[string]any `json:"summary"`
		}
		if err := json.Unmarshal(raw, &doc); err == nil {
			result.Summary = doc.Summary
		}
	}

	if !r.KeepFailedWorkspaces && result.ResultRef == "" {
		// Nothing to reference, nothing to keep.
		_ = ws.Remove()
	}
	return result, nil
}

// relaySubEvents reads JSONL from the worker's stdout. A line that
// parses as {"event": ..., "data": ...} with a tool.* type is relayed
// as that event; anything else becomes a tool.progress line.
func relaySubEvents(r io.Reader, emit func(typ event.Type, payload map[string]any)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &frame); err == nil && allowedSubEvent(frame.Event) {
			emit(event.Type(frame.Event), frame.Data)
			continue
		}
		emit(event.ToolProgress, map[string]any{"line": line})
	}
}

func allowedSubEvent(typ string) bool {
	switch event.Type(typ) {
	case event.ToolStarted, event.ToolProgress, event.ToolCompleted, event.ToolFailed:
		return true
	default:
		return false
	}
}
