package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runstreamhq/runstream/event"
	"github.com/runstreamhq/runstream/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

// Store persists runs, jobs, and events in one SQLite database under
// single-writer discipline: one open connection, WAL, and a busy
// timeout bounding lock waits.
type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- runs ---

func (s *Store) SaveRun(ctx context.Context, run store.RunRecord) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(run.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Status == "" {
		run.Status = store.RunPending
	}
	if run.RootRunID == "" {
		run.RootRunID = run.ID
	}

	const q = `
INSERT INTO runs (
  id, conversation_id, status, input, output, error, root_run_id, continuation_of_run_id, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  input=excluded.input,
  output=excluded.output,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		run.ID,
		run.ConversationID,
		run.Status,
		run.Input,
		run.Output,
		run.Error,
		run.RootRunID,
		nullIfEmpty(run.ContinuationOfRunID),
		toNullableTime(run.CreatedAt),
		toNullableTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, conversation_id, status, input, output, error, root_run_id, continuation_of_run_id, created_at, updated_at, completed_at`

func (s *Store) LoadRun(ctx context.Context, runID string) (store.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return store.RunRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query store.ListRunsQuery) ([]store.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, query.ConversationID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]store.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) MarkRunStatus(ctx context.Context, runID, status string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	now := time.Now().UTC()
	var completed any
	if store.IsTerminalRunStatus(status) {
		completed = formatTime(now)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?;`,
		status, formatTime(now), completed, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveRun(ctx context.Context, conversationID string) (store.RunRecord, error) {
	if strings.TrimSpace(conversationID) == "" {
		return store.RunRecord{}, fmt.Errorf("conversation id is required")
	}
	const q = `
SELECT ` + runColumns + `
FROM runs
WHERE conversation_id = ? AND status IN (?, ?, ?, ?)
ORDER BY created_at ASC
LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, conversationID, store.RunRunning, store.RunWaiting, store.RunResumed, store.RunPending)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to load active run: %w", err)
	}
	return run, nil
}

func (s *Store) NextQueuedRun(ctx context.Context, conversationID string) (store.RunRecord, error) {
	if strings.TrimSpace(conversationID) == "" {
		return store.RunRecord{}, fmt.Errorf("conversation id is required")
	}
	const q = `
SELECT ` + runColumns + `
FROM runs
WHERE conversation_id = ? AND status = ?
ORDER BY created_at ASC
LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, conversationID, store.RunPending)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to load queued run: %w", err)
	}
	return run, nil
}

func (s *Store) FindContinuationsOf(ctx context.Context, runID string) ([]store.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	const q = `
SELECT ` + runColumns + `
FROM runs
WHERE continuation_of_run_id = ?
ORDER BY created_at ASC;
`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list continuations: %w", err)
	}
	defer rows.Close()

	var out []store.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan continuation row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate continuations: %w", err)
	}
	return out, nil
}

// --- jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job store.JobRecord) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(job.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if job.Status == "" {
		job.Status = store.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	payloadRaw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}
	now := time.Now().UTC()
	if job.CreatedAt == nil {
		job.CreatedAt = &now
	}
	if job.UpdatedAt == nil {
		job.UpdatedAt = &now
	}

	const q = `
INSERT INTO jobs (
  id, run_id, status, blocking, priority, payload, result_ref, failure, claim_owner,
  claimed_at, heartbeat_at, attempts, max_attempts, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		job.ID,
		job.RunID,
		job.Status,
		boolToInt(job.Blocking),
		job.Priority,
		string(payloadRaw),
		job.ResultRef,
		job.Failure,
		job.ClaimOwner,
		toNullableTime(job.ClaimedAt),
		toNullableTime(job.HeartbeatAt),
		job.Attempts,
		job.MaxAttempts,
		toNullableTime(job.CreatedAt),
		toNullableTime(job.UpdatedAt),
		toNullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

const jobColumns = `id, run_id, status, blocking, priority, payload, result_ref, failure, claim_owner, claimed_at, heartbeat_at, attempts, max_attempts, created_at, updated_at, completed_at`

func (s *Store) LoadJob(ctx context.Context, jobID string) (store.JobRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return store.JobRecord{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.JobRecord{}, store.ErrNotFound
		}
		return store.JobRecord{}, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, query store.ListJobsQuery) ([]store.JobRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, query.RunID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]store.JobRecord, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNextJob selects and flips the winning row inside one write
// transaction, so at most one caller ever receives a given job. Lock
// contention surfaces as ErrClaimConflict after the busy timeout.
func (s *Store) ClaimNextJob(ctx context.Context, owner string) (store.JobRecord, error) {
	if strings.TrimSpace(owner) == "" {
		return store.JobRecord{}, fmt.Errorf("claim owner is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return store.JobRecord{}, store.ErrClaimConflict
		}
		return store.JobRecord{}, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQ = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = ?
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT 1;
`
	row := tx.QueryRowContext(ctx, selectQ, store.JobPending)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.JobRecord{}, store.ErrNoPendingJobs
		}
		if isBusy(err) {
			return store.JobRecord{}, store.ErrClaimConflict
		}
		return store.JobRecord{}, fmt.Errorf("failed to select claimable job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, claim_owner = ?, claimed_at = ?, heartbeat_at = ?, updated_at = ? WHERE id = ? AND status = ?;`,
		store.JobClaimed, owner, formatTime(now), formatTime(now), formatTime(now), job.ID, store.JobPending,
	)
	if err != nil {
		if isBusy(err) {
			return store.JobRecord{}, store.ErrClaimConflict
		}
		return store.JobRecord{}, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.JobRecord{}, store.ErrClaimConflict
	}
	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return store.JobRecord{}, store.ErrClaimConflict
		}
		return store.JobRecord{}, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = store.JobClaimed
	job.ClaimOwner = owner
	job.ClaimedAt = &now
	job.HeartbeatAt = &now
	job.UpdatedAt = &now
	return job, nil
}

func (s *Store) MarkJobRunning(ctx context.Context, jobID, owner string) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, heartbeat_at = ?, updated_at = ? WHERE id = ? AND claim_owner = ? AND status = ?;`,
		store.JobRunning, now, now, jobID, owner, store.JobClaimed,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrClaimConflict
	}
	return nil
}

func (s *Store) HeartbeatJob(ctx context.Context, jobID, owner string) (bool, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND claim_owner = ? AND status IN (?, ?);`,
		now, now, jobID, owner, store.JobClaimed, store.JobRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID, owner, resultRef string) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, result_ref = ?, completed_at = ?, updated_at = ? WHERE id = ? AND claim_owner = ? AND status IN (?, ?);`,
		store.JobComplete, resultRef, now, now, jobID, owner, store.JobClaimed, store.JobRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrClaimConflict
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID, owner, reason string) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, failure = ?, completed_at = ?, updated_at = ? WHERE id = ? AND claim_owner = ? AND status IN (?, ?);`,
		store.JobFailed, reason, now, now, jobID, owner, store.JobClaimed, store.JobRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrClaimConflict
	}
	return nil
}

func (s *Store) CancelJobsForRun(ctx context.Context, runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, updated_at = ? WHERE run_id = ? AND status IN (?, ?, ?);`,
		store.JobCanceled, now, now, runID, store.JobPending, store.JobClaimed, store.JobRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel jobs for run: %w", err)
	}
	return nil
}

func (s *Store) SweepStaleJobs(ctx context.Context, threshold time.Duration) (store.SweepResult, error) {
	if threshold <= 0 {
		return store.SweepResult{}, fmt.Errorf("stale threshold must be > 0")
	}
	now := time.Now().UTC()
	cutoff := formatTime(now.Add(-threshold))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.SweepResult{}, fmt.Errorf("failed to begin sweep tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Exhausted jobs first so the requeue pass cannot pick them up.
	failRes, err := tx.ExecContext(
		ctx,
		`UPDATE jobs
SET status = ?, attempts = attempts + 1, failure = 'stale: max attempts exceeded', claim_owner = '', completed_at = ?, updated_at = ?
WHERE status IN (?, ?) AND heartbeat_at IS NOT NULL AND heartbeat_at < ? AND attempts + 1 >= max_attempts;`,
		store.JobFailed, formatTime(now), formatTime(now),
		store.JobClaimed, store.JobRunning, cutoff,
	)
	if err != nil {
		return store.SweepResult{}, fmt.Errorf("failed to fail exhausted jobs: %w", err)
	}
	requeueRes, err := tx.ExecContext(
		ctx,
		`UPDATE jobs
SET status = ?, attempts = attempts + 1, claim_owner = '', claimed_at = NULL, heartbeat_at = NULL, updated_at = ?
WHERE status IN (?, ?) AND heartbeat_at IS NOT NULL AND heartbeat_at < ?;`,
		store.JobPending, formatTime(now),
		store.JobClaimed, store.JobRunning, cutoff,
	)
	if err != nil {
		return store.SweepResult{}, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.SweepResult{}, fmt.Errorf("failed to commit sweep: %w", err)
	}

	failed, _ := failRes.RowsAffected()
	requeued, _ := requeueRes.RowsAffected()
	return store.SweepResult{Requeued: int(requeued), Failed: int(failed)}, nil
}

// --- events ---

// AppendEvent allocates the next per-run event id and inserts the row
// in the same write transaction, so committed ids are gap-free and
// strictly increasing even with concurrent producers.
func (s *Store) AppendEvent(ctx context.Context, runID string, typ event.Type, payload map[string]any) (event.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return event.Event{}, fmt.Errorf("run id is required")
	}
	if typ == "" {
		return event.Event{}, fmt.Errorf("event type is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to begin event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextID int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(event_id), 0) + 1 FROM events WHERE run_id = ?;`,
		runID,
	).Scan(&nextID); err != nil {
		return event.Event{}, fmt.Errorf("failed to allocate event id: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO events (run_id, event_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?);`,
		runID, nextID, string(typ), string(payloadRaw), formatTime(now),
	); err != nil {
		return event.Event{}, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("failed to commit event: %w", err)
	}

	return event.Event{
		RunID:     runID,
		ID:        nextID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

func (s *Store) ListEventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	sqlText := `
SELECT run_id, event_id, type, payload, created_at
FROM events
WHERE run_id = ? AND event_id > ?
ORDER BY event_id ASC
`
	args := []any{runID, afterID}
	if limit > 0 {
		sqlText += "LIMIT ?"
		args = append(args, limit)
	}
	sqlText += ";"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			ev         event.Event
			typeRaw    string
			payloadRaw string
			createdRaw string
		)
		if err := rows.Scan(&ev.RunID, &ev.ID, &typeRaw, &payloadRaw, &createdRaw); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Type = event.Type(typeRaw)
		if err := json.Unmarshal([]byte(payloadRaw), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		ev.CreatedAt, err = parseRequiredTime(createdRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event created_at: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) LatestEventID(ctx context.Context, runID string) (int64, error) {
	if strings.TrimSpace(runID) == "" {
		return 0, fmt.Errorf("run id is required")
	}
	var latest int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM events WHERE run_id = ?;`,
		runID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest event id: %w", err)
	}
	return latest, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.RunRecord, error) {
	var (
		run          store.RunRecord
		continuation sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.ConversationID,
		&run.Status,
		&run.Input,
		&run.Output,
		&run.Error,
		&run.RootRunID,
		&continuation,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return store.RunRecord{}, err
	}
	if continuation.Valid {
		run.ContinuationOfRunID = continuation.String
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return store.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func scanJob(row rowScanner) (store.JobRecord, error) {
	var (
		job          store.JobRecord
		blocking     int
		payloadRaw   string
		claimedRaw   sql.NullString
		heartbeatRaw sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.RunID,
		&job.Status,
		&blocking,
		&job.Priority,
		&payloadRaw,
		&job.ResultRef,
		&job.Failure,
		&job.ClaimOwner,
		&claimedRaw,
		&heartbeatRaw,
		&job.Attempts,
		&job.MaxAttempts,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return store.JobRecord{}, err
	}
	job.Blocking = blocking != 0
	if err := json.Unmarshal([]byte(payloadRaw), &job.Payload); err != nil {
		return store.JobRecord{}, fmt.Errorf("failed to decode job payload: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return store.JobRecord{}, fmt.Errorf("failed to parse job created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return store.JobRecord{}, fmt.Errorf("failed to parse job updated_at: %w", err)
	}
	job.CreatedAt = &created
	job.UpdatedAt = &updated
	if job.ClaimedAt, err = parseOptionalTime(claimedRaw); err != nil {
		return store.JobRecord{}, fmt.Errorf("failed to parse job claimed_at: %w", err)
	}
	if job.HeartbeatAt, err = parseOptionalTime(heartbeatRaw); err != nil {
		return store.JobRecord{}, fmt.Errorf("failed to parse job heartbeat_at: %w", err)
	}
	if job.CompletedAt, err = parseOptionalTime(completedRaw); err != nil {
		return store.JobRecord{}, fmt.Errorf("failed to parse job completed_at: %w", err)
	}
	return job, nil
}

func parseOptionalTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	t, err := parseRequiredTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Fixed-width fractional seconds keep stored timestamps lexicographically
// comparable, which the stale sweep's heartbeat cutoff relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

var _ store.Store = (*Store)(nil)
var _ event.Log = (*Store)(nil)
