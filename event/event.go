package event

import "time"

type Type string

// Run lifecycle.
const (
	RunStarted  Type = "run.started"
	RunToken    Type = "run.token"
	RunWaiting  Type = "run.waiting"
	RunResumed  Type = "run.resumed"
	RunDeferred Type = "run.deferred"
	RunComplete Type = "run.complete"
	RunError    Type = "run.error"
	RunCanceled Type = "run.canceled"
)

// Job lifecycle.
const (
	JobSpawned  Type = "job.spawned"
	JobStarted  Type = "job.started"
	JobComplete Type = "job.complete"
	JobFailed   Type = "job.failed"
	JobSummary  Type = "job.summary"
)

// Tool lifecycle nested inside a job.
const (
	ToolStarted   Type = "tool.started"
	ToolProgress  Type = "tool.progress"
	ToolCompleted Type = "tool.completed"
	ToolFailed    Type = "tool.failed"
)

const ContinuationSpawned Type = "continuation.spawned"

// Event is one immutable entry in a run's log. ID is assigned by the
// store at append time and is strictly increasing per run, starting at 1.
type Event struct {
	RunID     string         `json:"runId"`
	ID        int64          `json:"id"`
	Type      Type           `json:"event"`
	Payload   map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
}
