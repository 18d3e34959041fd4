package store

import (
	"context"
	"errors"
	"time"

	"github.com/runstreamhq/runstream/event"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrNoPendingJobs = errors.New("store: no pending jobs")
	// ErrClaimConflict is transient: another claimer held the write lock
	// or won the row. Callers retry on the next tick.
	ErrClaimConflict = errors.New("store: claim conflict")
)

// Run statuses. A run is terminal once it can no longer progress a
// client-visible turn; deferred counts as terminal here because the
// client has been released, even though server work may continue and
// later surface through a continuation.
const (
	RunPending  = "pending"
	RunRunning  = "running"
	RunWaiting  = "waiting"
	RunResumed  = "resumed"
	RunComplete = "complete"
	RunDeferred = "deferred"
	RunError    = "error"
	RunCanceled = "canceled"
)

func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunComplete, RunDeferred, RunError, RunCanceled:
		return true
	default:
		return false
	}
}

// Job statuses.
const (
	JobPending  = "pending"
	JobClaimed  = "claimed"
	JobRunning  = "running"
	JobComplete = "complete"
	JobFailed   = "failed"
	JobCanceled = "canceled"
)

func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobComplete, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

type RunRecord struct {
	ID                  string     `json:"runId"`
	ConversationID      string     `json:"conversationId"`
	Status              string     `json:"status"`
	Input               string     `json:"input"`
	Output              string     `json:"output,omitempty"`
	Error               string     `json:"error,omitempty"`
	RootRunID           string     `json:"rootRunId"`
	ContinuationOfRunID string     `json:"continuationOfRunId,omitempty"`
	CreatedAt           *time.Time `json:"createdAt,omitempty"`
	UpdatedAt           *time.Time `json:"updatedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

type JobRecord struct {
	ID          string         `json:"jobId"`
	RunID       string         `json:"runId"`
	Status      string         `json:"status"`
	Blocking    bool           `json:"blocking"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	ResultRef   string         `json:"resultRef,omitempty"`
	Failure     string         `json:"failure,omitempty"`
	ClaimOwner  string         `json:"claimOwner,omitempty"`
	ClaimedAt   *time.Time     `json:"claimedAt,omitempty"`
	HeartbeatAt *time.Time     `json:"heartbeatAt,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

type ListRunsQuery struct {
	ConversationID string
	Status         string
	Limit          int
	Offset         int
}

type ListJobsQuery struct {
	RunID  string
	Status string
	Limit  int
	Offset int
}

// SweepResult reports one stale sweep cycle.
type SweepResult struct {
	Requeued int
	Failed   int
}

// Store is the single ownership authority for runs, jobs, and the event
// log. All cross-process coordination goes through its single-writer
// transaction boundary; no in-memory lock is trusted across processes.
type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)
	MarkRunStatus(ctx context.Context, runID, status string) error
	// ActiveRun returns the single non-terminal run of a conversation.
	ActiveRun(ctx context.Context, conversationID string) (RunRecord, error)
	// NextQueuedRun returns the oldest pending run of a conversation.
	NextQueuedRun(ctx context.Context, conversationID string) (RunRecord, error)
	// FindContinuationsOf lists runs whose continuation_of_run_id is
	// runID, oldest first. Directional traversal only; no back pointers.
	FindContinuationsOf(ctx context.Context, runID string) ([]RunRecord, error)

	EnqueueJob(ctx context.Context, job JobRecord) error
	LoadJob(ctx context.Context, jobID string) (JobRecord, error)
	ListJobs(ctx context.Context, query ListJobsQuery) ([]JobRecord, error)
	// ClaimNextJob atomically transitions the highest-priority oldest
	// pending job to claimed for owner. Returns ErrNoPendingJobs when
	// nothing is claimable and ErrClaimConflict on lock contention.
	ClaimNextJob(ctx context.Context, owner string) (JobRecord, error)
	MarkJobRunning(ctx context.Context, jobID, owner string) error
	// HeartbeatJob refreshes heartbeat_at only while owner still holds
	// the claim; a stale owner's heartbeat is a silent no-op.
	HeartbeatJob(ctx context.Context, jobID, owner string) (bool, error)
	CompleteJob(ctx context.Context, jobID, owner, resultRef string) error
	FailJob(ctx context.Context, jobID, owner, reason string) error
	CancelJobsForRun(ctx context.Context, runID string) error
	// SweepStaleJobs requeues claimed/running jobs whose heartbeat is
	// older than threshold, incrementing attempts; jobs past their
	// attempt cap become permanently failed. One transaction per sweep.
	SweepStaleJobs(ctx context.Context, threshold time.Duration) (SweepResult, error)

	AppendEvent(ctx context.Context, runID string, typ event.Type, payload map[string]any) (event.Event, error)
	ListEventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error)
	LatestEventID(ctx context.Context, runID string) (int64, error)

	Close() error
}
