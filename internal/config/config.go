// Package config resolves runtime settings from the environment.
// Every knob has a working default so `runstream serve` starts with no
// configuration at all.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Addr         string
	DBPath       string
	WorkspaceDir string

	// WorkerCommand is the argv of the external worker process. The
	// job's workspace path is appended by the executor.
	WorkerCommand []string

	JobTimeout time.Duration
	DeferAfter time.Duration

	MaxConcurrent     int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	SweepInterval     time.Duration

	KeepFailedWorkspaces bool
	OTelEnabled          bool
}

func FromEnv() Config {
	dbPath := strings.TrimSpace(os.Getenv("RUNSTREAM_DB_PATH"))
	if dbPath == "" {
		dbPath = "./.runstream/runstream.db"
	}
	workspaceDir := strings.TrimSpace(os.Getenv("RUNSTREAM_WORKSPACE_DIR"))
	if workspaceDir == "" {
		workspaceDir = filepath.Join(filepath.Dir(dbPath), "workspaces")
	}
	addr := strings.TrimSpace(os.Getenv("RUNSTREAM_ADDR"))
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	command := splitCommand(os.Getenv("RUNSTREAM_WORKER_COMMAND"))
	if len(command) == 0 {
		command = []string{"runstream-worker"}
	}

	return Config{
		Addr:                 addr,
		DBPath:               dbPath,
		WorkspaceDir:         workspaceDir,
		WorkerCommand:        command,
		JobTimeout:           ParseDurationEnv("RUNSTREAM_JOB_TIMEOUT", time.Hour),
		DeferAfter:           ParseDurationEnv("RUNSTREAM_DEFER_AFTER", 60*time.Second),
		MaxConcurrent:        ParseIntEnv("RUNSTREAM_MAX_CONCURRENT", 4),
		PollInterval:         ParseDurationEnv("RUNSTREAM_POLL_INTERVAL", 250*time.Millisecond),
		HeartbeatInterval:    ParseDurationEnv("RUNSTREAM_HEARTBEAT_INTERVAL", 5*time.Second),
		StaleThreshold:       ParseDurationEnv("RUNSTREAM_STALE_THRESHOLD", 15*time.Second),
		SweepInterval:        ParseDurationEnv("RUNSTREAM_SWEEP_INTERVAL", 10*time.Second),
		KeepFailedWorkspaces: ParseBoolEnv("RUNSTREAM_KEEP_FAILED_WORKSPACES", false),
		OTelEnabled:          ParseBoolEnv("RUNSTREAM_OTEL_ENABLED", false),
	}
}

func splitCommand(raw string) []string {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return nil
	}
	return fields
}
