package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func runCmd(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server", server, "--request-id", "rid-test"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

type fakeServer struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
	types    map[string]string
	ids      []string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{bodies: map[string]string{}, types: map[string]string{}}
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		key := r.Method + " " + r.URL.Path
		f.requests = append(f.requests, key)
		f.bodies[key] = string(body)
		f.types[key] = r.Header.Get("Content-Type")
		f.ids = append(f.ids, r.Header.Get("X-Request-Id"))
	}
	mux.HandleFunc("POST /operations", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"op-1","type":"WORKFLOW","status":"PENDING"}`)
	})
	mux.HandleFunc("POST /operations/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"id":"op-1","type":"WORKFLOW","status":"RUNNING"}`)
	})
	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"not_found"}`)
	})
	mux.HandleFunc("GET /operations/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: ready\ndata: {\"operationId\":\"op-1\"}\n\n")
		_, _ = io.WriteString(w, ": ping\n\n")
		_, _ = io.WriteString(w, "event: step.completed\nid: 4\ndata: {\"seq\":4,\"topic\":\"step.completed\",\"operationId\":\"op-1\",\"stepId\":\"a\",\"status\":\"COMPLETED\"}\n\n")
		_, _ = io.WriteString(w, "event: operation.completed\nid: 5\ndata: {\"seq\":5,\"topic\":\"operation.completed\",\"operationId\":\"op-1\",\"status\":\"COMPLETED\"}\n\n")
		_, _ = io.WriteString(w, "event: end\ndata: {\"operationId\":\"op-1\"}\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

const validDocument = `
type: workflow
plan:
  steps:
    - id: a
      type: noop
    - id: b
      type: noop
  dependencies:
    - from: a
      to: b
`

func TestCreateUploadsYAMLAndStarts(t *testing.T) {
	f, srv := newFakeServer(t)
	path := writeFile(t, "op.yaml", validDocument)

	out, err := runCmd(t, srv.URL, "create", "-f", path, "--start")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "op-1 WORKFLOW RUNNING") {
		t.Fatalf("unexpected output %q", out)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) != 2 || f.requests[0] != "POST /operations" || f.requests[1] != "POST /operations/op-1/start" {
		t.Fatalf("unexpected requests %v", f.requests)
	}
	if f.types["POST /operations"] != "application/yaml" {
		t.Fatalf("content type %q", f.types["POST /operations"])
	}
	if f.bodies["POST /operations"] != validDocument {
		t.Fatalf("document was not sent verbatim")
	}
	for _, id := range f.ids {
		if id != "rid-test" {
			t.Fatalf("request id %q", id)
		}
	}
}

func TestCreateRejectsInvalidPlanLocally(t *testing.T) {
	f, srv := newFakeServer(t)
	path := writeFile(t, "op.json", `{"type":"workflow","plan":{"steps":[{"id":"a","type":"noop"},{"id":"b","type":"noop"}],
	  "dependencies":[{"from":"a","to":"b"},{"from":"b","to":"a"}]}}`)

	_, err := runCmd(t, srv.URL, "create", "-f", path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) != 0 {
		t.Fatalf("invalid plan reached the server: %v", f.requests)
	}
}

func TestGetSurfacesAPIError(t *testing.T) {
	_, srv := newFakeServer(t)
	_, err := runCmd(t, srv.URL, "get", "missing")
	var apiErr *apiError
	if err == nil || !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}

func TestWatchPrintsEventsUntilEnd(t *testing.T) {
	_, srv := newFakeServer(t)
	out, err := runCmd(t, srv.URL, "watch", "op-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two event lines, got %q", out)
	}
	if !strings.Contains(lines[0], "step.completed") || !strings.Contains(lines[0], "op-1/a") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if !strings.Contains(lines[1], "operation.completed") {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	_, srv := newFakeServer(t)
	if _, err := runCmd(t, srv.URL, "-o", "xml", "usage"); err == nil {
		t.Fatalf("expected error for unknown output format")
	}
}
