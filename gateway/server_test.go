package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/runstreamhq/runstream/event"
	"github.com/runstreamhq/runstream/store"
	sqlitestore "github.com/runstreamhq/runstream/store/sqlite"
)

type fakeOrchestrator struct {
	store    store.Store
	canceled []string
}

func (f *fakeOrchestrator) Submit(ctx context.Context, conversationID, input string) (store.RunRecord, error) {
	run := store.RunRecord{
		ID:             "run-" + conversationID,
		ConversationID: conversationID,
		Status:         store.RunPending,
		Input:          input,
	}
	run.RootRunID = run.ID
	if err := f.store.SaveRun(ctx, run); err != nil {
		return store.RunRecord{}, err
	}
	return f.store.LoadRun(ctx, run.ID)
}

func (f *fakeOrchestrator) Cancel(ctx context.Context, runID string) error {
	if _, err := f.store.LoadRun(ctx, runID); err != nil {
		return err
	}
	f.canceled = append(f.canceled, runID)
	return f.store.MarkRunStatus(ctx, runID, store.RunCanceled)
}

type testGateway struct {
	store  *sqlitestore.Store
	pub    *event.Publisher
	orch   *fakeOrchestrator
	server *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	s, err := sqlitestore.New(filepath.Join(t.TempDir(), "runstream.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	pub := event.NewPublisher(s, nil)
	orch := &fakeOrchestrator{store: s}
	srv := NewServer(Config{
		Store:             s,
		Publisher:         pub,
		Orchestrator:      orch,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{store: s, pub: pub, orch: orch, server: ts}
}

func (g *testGateway) seedRun(t *testing.T, runID string, eventCount int) {
	t.Helper()
	ctx := context.Background()
	if err := g.store.SaveRun(ctx, store.RunRecord{ID: runID, ConversationID: "conv-1", Status: store.RunRunning}); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}
	for i := 0; i < eventCount; i++ {
		if _, err := g.pub.Append(ctx, runID, event.RunToken, map[string]any{"n": i}); err != nil {
			t.Fatalf("seed event failed: %v", err)
		}
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	return out
}

func TestGateway_SubmitTurn(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Post(g.server.URL+"/api/v1/turns", "application/json",
		strings.NewReader(`{"conversationId":"conv-1","input":"hello"}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}
	run := decodeBody[store.RunRecord](t, resp)
	if run.ConversationID != "conv-1" || run.Input != "hello" || run.Status != store.RunPending {
		t.Fatalf("unexpected run: %#v", run)
	}

	resp, err = http.Post(g.server.URL+"/api/v1/turns", "application/json",
		strings.NewReader(`{"input":"no conversation"}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing conversationId should 400, got %d", resp.StatusCode)
	}
}

func TestGateway_RunLookup(t *testing.T) {
	g := newTestGateway(t)
	g.seedRun(t, "run-1", 3)

	resp, err := http.Get(g.server.URL + "/api/v1/runs/run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	run := decodeBody[store.RunRecord](t, resp)
	if run.ID != "run-1" || run.Status != store.RunRunning {
		t.Fatalf("unexpected run: %#v", run)
	}

	resp, err = http.Get(g.server.URL + "/api/v1/runs/run-missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run should 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(g.server.URL + "/api/v1/runs?conversation_id=conv-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	runs := decodeBody[[]store.RunRecord](t, resp)
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected run list: %#v", runs)
	}
}

func TestGateway_RunEventsAfter(t *testing.T) {
	g := newTestGateway(t)
	g.seedRun(t, "run-1", 9)

	resp, err := http.Get(g.server.URL + "/api/v1/runs/run-1/events?after_event_id=5&limit=3")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	events := decodeBody[[]event.Event](t, resp)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ID != int64(6+i) {
			t.Fatalf("event %d: id %d, want %d", i, ev.ID, 6+i)
		}
	}
}

func TestGateway_Continuations(t *testing.T) {
	g := newTestGateway(t)
	g.seedRun(t, "run-1", 0)

	resp, err := http.Get(g.server.URL + "/api/v1/runs/run-1/continuations")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	conts := decodeBody[[]store.RunRecord](t, resp)
	if conts == nil || len(conts) != 0 {
		t.Fatalf("no continuations should decode as empty list: %#v", conts)
	}

	ctx := context.Background()
	cont := store.RunRecord{
		ID: "run-2", ConversationID: "conv-1", Status: store.RunPending,
		RootRunID: "run-1", ContinuationOfRunID: "run-1",
	}
	if err := g.store.SaveRun(ctx, cont); err != nil {
		t.Fatalf("save continuation failed: %v", err)
	}
	resp, err = http.Get(g.server.URL + "/api/v1/runs/run-1/continuations")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	conts = decodeBody[[]store.RunRecord](t, resp)
	if len(conts) != 1 || conts[0].ID != "run-2" {
		t.Fatalf("unexpected continuations: %#v", conts)
	}
}

func TestGateway_CancelRun(t *testing.T) {
	g := newTestGateway(t)
	g.seedRun(t, "run-1", 0)

	resp, err := http.Post(g.server.URL+"/api/v1/runs/run-1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d", resp.StatusCode)
	}
	if len(g.orch.canceled) != 1 || g.orch.canceled[0] != "run-1" {
		t.Fatalf("orchestrator not asked to cancel: %#v", g.orch.canceled)
	}

	resp, err = http.Post(g.server.URL+"/api/v1/runs/run-missing/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel of missing run should 404, got %d", resp.StatusCode)
	}
}

func TestGateway_JobLookup(t *testing.T) {
	g := newTestGateway(t)
	g.seedRun(t, "run-1", 0)
	ctx := context.Background()
	if err := g.store.EnqueueJob(ctx, store.JobRecord{ID: "job-1", RunID: "run-1", Blocking: true}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	resp, err := http.Get(g.server.URL + "/api/v1/jobs?run_id=run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	jobs := decodeBody[[]store.JobRecord](t, resp)
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected job list: %#v", jobs)
	}

	resp, err = http.Get(g.server.URL + "/api/v1/jobs/job-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	job := decodeBody[store.JobRecord](t, resp)
	if job.ID != "job-1" || !job.Blocking {
		t.Fatalf("unexpected job: %#v", job)
	}

	resp, err = http.Get(g.server.URL + "/api/v1/jobs/job-missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job should 404, got %d", resp.StatusCode)
	}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames consumes SSE frames until it has n frames whose event is
// not a heartbeat.
func readFrames(t *testing.T, r *bufio.Reader, n int) []sseFrame {
	t.Helper()
	var out []sseFrame
	var cur sseFrame
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d of %d frames: %#v", len(out), n, out)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame failed after %d frames: %v", len(out), err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if cur.event != "" && cur.event != "heartbeat" {
				out = append(out, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func streamRequest(t *testing.T, g *testGateway, path string, header map[string]string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, g.server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestGateway_StreamReplayThenLive(t *testing.T) {
	g := newTestGateway(t)
	g.seedRun(t, "run-1", 9)

	resp, r := streamRequest(t, g, "/api/v1/runs/run-1/stream?after_event_id=5", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	frames := readFrames(t, r, 1)
	if frames[0].event != "connected" || frames[0].id != "" {
		t.Fatalf("expected id-less connected frame first: %#v", frames[0])
	}
	var hello struct {
		RunID        string `json:"runId"`
		AfterEventID int64  `json:"afterEventId"`
	}
	if err := json.Unmarshal([]byte(frames[0].data), &hello); err != nil {
		t.Fatalf("connected frame not json: %q", frames[0].data)
	}
	if hello.RunID != "run-1" || hello.AfterEventID != 5 {
		t.Fatalf("unexpected connected frame: %#v", hello)
	}

	replay := readFrames(t, r, 4)
	for i, fr := range replay {
		want := fmt.Sprintf("%d", 6+i)
		if fr.id != want || fr.event != string(event.RunToken) {
			t.Fatalf("replay frame %d: %#v", i, fr)
		}
	}

	if _, err := g.pub.Append(context.Background(), "run-1", event.RunComplete, nil); err != nil {
		t.Fatalf("live append failed: %v", err)
	}
	live := readFrames(t, r, 1)
	if live[0].id != "10" || live[0].event != string(event.RunComplete) {
		t.Fatalf("unexpected live frame: %#v", live[0])
	}
	var ev event.Event
	if err := json.Unmarshal([]byte(live[0].data), &ev); err != nil {
		t.Fatalf("frame data not json: %q", live[0].data)
	}
	if ev.ID != 10 || ev.RunID != "run-1" {
		t.Fatalf("unexpected frame payload: %#v", ev)
	}
}

func TestGateway_StreamResumeWithLastEventID(t *testing.T) {
	g := newTestGateway(t)
	g.seedRun(t, "run-1", 9)

	_, r := streamRequest(t, g, "/api/v1/runs/run-1/stream", map[string]string{"Last-Event-ID": "7"})
	frames := readFrames(t, r, 3)
	if frames[0].event != "connected" {
		t.Fatalf("expected connected frame first: %#v", frames[0])
	}
	if frames[1].id != "8" || frames[2].id != "9" {
		t.Fatalf("resume should continue after 7: %#v", frames[1:])
	}
}

func TestGateway_StreamUnknownRun(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.server.URL + "/api/v1/runs/run-missing/stream")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stream of missing run should 404, got %d", resp.StatusCode)
	}
}

func TestGateway_Health(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.server.URL + "/api/v1/healthz")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["ok"] != true {
		t.Fatalf("unexpected health body: %#v", body)
	}
}
