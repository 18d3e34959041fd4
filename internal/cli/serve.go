package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/runstreamhq/runstream/coordinator"
	"github.com/runstreamhq/runstream/event"
	otelsink "github.com/runstreamhq/runstream/event/otel"
	"github.com/runstreamhq/runstream/gateway"
	"github.com/runstreamhq/runstream/internal/config"
	"github.com/runstreamhq/runstream/runtime/claimer"
	"github.com/runstreamhq/runstream/runtime/executor"
	"github.com/runstreamhq/runstream/store"
	sqlitestore "github.com/runstreamhq/runstream/store/sqlite"
)

// runServe wires the full engine into one process: the sqlite store,
// the publisher, the coordinator, the claimer with its executor, and
// the HTTP gateway.
func runServe(ctx context.Context, args []string) {
	cfg := config.FromEnv()
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--addr="):
			cfg.Addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
		case strings.HasPrefix(arg, "--db="):
			cfg.DBPath = strings.TrimSpace(strings.TrimPrefix(arg, "--db="))
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := sqlitestore.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("store setup failed: %v", err)
	}
	defer closeStore(st)

	var sink event.Sink = event.NoopSink{}
	if cfg.OTelEnabled {
		async := event.NewAsyncSink(otelsink.NewSink(otel.GetTracerProvider()), 256)
		defer async.Close()
		sink = async
	}
	pub := event.NewPublisher(st, sink)

	co, err := coordinator.New(st, pub, defaultProcessor, coordinator.Options{
		DeferAfter: cfg.DeferAfter,
	})
	if err != nil {
		log.Fatalf("coordinator setup failed: %v", err)
	}

	exec := executor.New(st, pub, nil, co, executor.Options{
		Command:              cfg.WorkerCommand,
		BaseDir:              cfg.WorkspaceDir,
		Timeout:              cfg.JobTimeout,
		KeepFailedWorkspaces: cfg.KeepFailedWorkspaces,
	})

	cl, err := claimer.New("", st, exec, claimer.Policy{
		MaxConcurrent:     cfg.MaxConcurrent,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleThreshold:    cfg.StaleThreshold,
		SweepInterval:     cfg.SweepInterval,
	})
	if err != nil {
		log.Fatalf("claimer setup failed: %v", err)
	}
	go func() {
		if err := cl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("claimer stopped: %v", err)
		}
	}()
	defer func() { _ = cl.Stop(context.Background()) }()

	server := gateway.NewServer(gateway.Config{
		Addr:         cfg.Addr,
		Store:        st,
		Publisher:    pub,
		Orchestrator: co,
	})

	log.Printf("runstream listening on http://%s (db=%s, claimer=%s)", cfg.Addr, cfg.DBPath, cl.Owner())
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway failed: %v", err)
	}
	co.Wait()
}

// turnRequest is the default processor's input format. Plain text that
// is not JSON is treated as a token stream with no delegated work.
type turnRequest struct {
	// Delegate spawns one job with this payload.
	Delegate map[string]any `json:"delegate,omitempty"`
	Blocking bool           `json:"blocking,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Text     string         `json:"text,omitempty"`

	// Continuation inputs carry the late job result instead.
	JobID     string `json:"jobId,omitempty"`
	Status    string `json:"status,omitempty"`
	ResultRef string `json:"resultRef,omitempty"`
	Failure   string `json:"failure,omitempty"`
}

// defaultProcessor is the built-in turn logic: stream the input back as
// tokens, delegate work when the input asks for it, and summarize late
// job results on continuation runs.
func defaultProcessor(ctx context.Context, turn *coordinator.Turn) (string, error) {
	input := turn.Run().Input

	var req turnRequest
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		streamTokens(ctx, turn, input)
		return input, nil
	}

	if req.JobID != "" {
		out, err := json.Marshal(map[string]any{
			"jobId":     req.JobID,
			"status":    req.Status,
			"resultRef": req.ResultRef,
			"failure":   req.Failure,
		})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	if req.Text != "" {
		streamTokens(ctx, turn, req.Text)
	}

	if req.Delegate == nil {
		return req.Text, nil
	}

	job, err := turn.Delegate(ctx, req.Delegate, req.Blocking, req.Priority)
	if err != nil {
		return "", err
	}
	if !req.Blocking {
		return "delegated " + job.ID, nil
	}

	done, err := turn.Await(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if done.Status == store.JobFailed {
		return "", errors.New("job failed: " + done.Failure)
	}
	return "job " + done.ID + " " + done.Status, nil
}

func streamTokens(ctx context.Context, turn *coordinator.Turn, text string) {
	for _, token := range strings.Fields(text) {
		if err := turn.Emit(ctx, token); err != nil {
			log.Printf("token emit failed: %v", err)
			return
		}
	}
}

func closeStore(st store.Store) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		log.Printf("store close failed: %v", err)
	}
}
