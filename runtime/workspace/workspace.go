// Package workspace provisions the isolated working directory a job's
// worker process runs in. Each job gets its own directory under the
// configured base; nothing is shared between jobs.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Workspace struct {
	Path string
}

// JobMetadata is written into the workspace so the worker process can
// discover its own identity without parsing argv.
type JobMetadata struct {
	JobID    string         `json:"job_id"`
	RunID    string         `json:"run_id"`
	Attempt  int            `json:"attempt"`
	Payload  map[string]any `json:"payload,omitempty"`
	Blocking bool           `json:"blocking"`
}

func Create(baseDir, jobID string) (*Workspace, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "runstream")
	}
	path := filepath.Join(baseDir, "job-"+jobID)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	return &Workspace{Path: path}, nil
}

func Open(baseDir, jobID string) (*Workspace, error) {
	path := filepath.Join(baseDir, "job-"+jobID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("workspace for job %s: %w", jobID, err)
	}
	return &Workspace{Path: path}, nil
}

func (w *Workspace) WriteJobMetadata(meta *JobMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.Path, "job.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write job.json: %w", err)
	}
	return nil
}

// ResultPath is where a worker process leaves its result document. The
// executor records this path as the job's result reference.
func (w *Workspace) ResultPath() string {
	return filepath.Join(w.Path, "result.json")
}

// Remove deletes the workspace tree. Kept workspaces of failed jobs are
// useful for debugging, so callers decide when to remove.
func (w *Workspace) Remove() error {
	if w == nil || w.Path == "" {
		return nil
	}
	return os.RemoveAll(w.Path)
}
