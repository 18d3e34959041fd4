package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/runstreamhq/runstream/store"
)

type apiClient struct {
	base string
}

// newClient strips the --addr flag out of args and returns the rest.
func newClient(args []string) (*apiClient, []string) {
	addr := "127.0.0.1:8080"
	var filtered []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "--addr=") {
			addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
			continue
		}
		filtered = append(filtered, arg)
	}
	return &apiClient{base: "http://" + addr}, filtered
}

func (c *apiClient) doRequest(method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed (is the server running at %s?): %w", c.base, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func runSubmit(args []string) {
	client, rest := newClient(args)
	if len(rest) < 1 {
		log.Fatal("usage: submit [--addr=HOST:PORT] <conversation-id> -- <input>")
	}
	conversationID := strings.TrimSpace(rest[0])
	input := normalizeInput(rest[1:])
	if conversationID == "" || input == "" {
		log.Fatal("usage: submit [--addr=HOST:PORT] <conversation-id> -- <input>")
	}

	data, err := client.doRequest(http.MethodPost, "/api/v1/turns", map[string]any{
		"conversationId": conversationID,
		"input":          input,
	})
	if err != nil {
		log.Fatal(err)
	}
	var run store.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		log.Fatalf("parse response: %v", err)
	}
	fmt.Printf("%s\t%s\t%s\n", run.ID, run.ConversationID, run.Status)
}

func runListRuns(args []string) {
	client, rest := newClient(args)
	path := "/api/v1/runs"
	if len(rest) > 0 && strings.TrimSpace(rest[0]) != "" {
		path += "?conversation_id=" + strings.TrimSpace(rest[0])
	}
	data, err := client.doRequest(http.MethodGet, path, nil)
	if err != nil {
		log.Fatal(err)
	}
	var runs []store.RunRecord
	if err := json.Unmarshal(data, &runs); err != nil {
		log.Fatalf("parse response: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return
	}
	for _, run := range runs {
		updated := "-"
		if run.UpdatedAt != nil {
			updated = run.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", run.ID, run.ConversationID, run.Status, updated)
	}
}

func runShowRun(args []string) {
	client, rest := newClient(args)
	if len(rest) < 1 {
		log.Fatal("usage: run [--addr=HOST:PORT] <run-id>")
	}
	data, err := client.doRequest(http.MethodGet, "/api/v1/runs/"+strings.TrimSpace(rest[0]), nil)
	if err != nil {
		log.Fatal(err)
	}
	var run store.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		log.Fatalf("parse response: %v", err)
	}
	pretty, _ := json.MarshalIndent(run, "", "  ")
	fmt.Println(string(pretty))
}

func runCancel(args []string) {
	client, rest := newClient(args)
	if len(rest) < 1 {
		log.Fatal("usage: cancel [--addr=HOST:PORT] <run-id>")
	}
	runID := strings.TrimSpace(rest[0])
	if _, err := client.doRequest(http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("run %s canceled\n", runID)
}

func runListJobs(args []string) {
	client, rest := newClient(args)
	path := "/api/v1/jobs"
	if len(rest) > 0 && strings.TrimSpace(rest[0]) != "" {
		path += "?run_id=" + strings.TrimSpace(rest[0])
	}
	data, err := client.doRequest(http.MethodGet, path, nil)
	if err != nil {
		log.Fatal(err)
	}
	var jobs []store.JobRecord
	if err := json.Unmarshal(data, &jobs); err != nil {
		log.Fatalf("parse response: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return
	}
	for _, job := range jobs {
		fmt.Printf("%s\t%s\t%s\tattempts=%d\n", job.ID, job.RunID, job.Status, job.Attempts)
	}
}

// runTail follows a run's SSE stream, printing each event as one line.
// Reconnect position can be set with --after=N.
func runTail(ctx context.Context, args []string) {
	client, rest := newClient(args)
	if len(rest) < 1 {
		log.Fatal("usage: tail [--addr=HOST:PORT] [--after=N] <run-id>")
	}
	after := "0"
	var positional []string
	for _, arg := range rest {
		if strings.HasPrefix(arg, "--after=") {
			after = strings.TrimSpace(strings.TrimPrefix(arg, "--after="))
			continue
		}
		positional = append(positional, arg)
	}
	if len(positional) < 1 {
		log.Fatal("usage: tail [--addr=HOST:PORT] [--after=N] <run-id>")
	}
	runID := strings.TrimSpace(positional[0])

	url := client.base + "/api/v1/runs/" + runID + "/stream?after_event_id=" + after
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("stream failed (is the server running at %s?): %v", client.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		log.Fatalf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var id, eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if eventName == "heartbeat" {
				continue
			}
			if id != "" {
				fmt.Printf("%s\t%s\t%s\n", id, eventName, data)
			} else {
				fmt.Printf("-\t%s\t%s\n", eventName, data)
			}
		case line == "":
			id, eventName = "", ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("stream closed: %v", err)
	}
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}
