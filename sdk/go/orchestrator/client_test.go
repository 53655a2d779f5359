package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	client, err := NewClient(srv.URL, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestOrchestrateSendsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orchestrate" || r.Method != http.MethodPost {
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-User-ID") != "u1" || r.Header.Get("X-Tenant") != "acme" {
			t.Fatalf("identity headers missing: %v", r.Header)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true, Message: "echo: " + req.RequestText, PlanID: "plan-1"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv, WithIdentity("u1", "acme"))
	res, err := client.Orchestrate(context.Background(), Request{SessionID: "s1", RequestText: "hi"})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if !res.Success || res.Message != "echo: hi" || res.PlanID != "plan-1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitAndWaitTask(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["request_text"] != "add" || body["id"] != "task-1" {
				t.Fatalf("unexpected submission %v", body)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/task-1":
			polls++
			status := "running"
			var result *Result
			if polls > 1 {
				status = "succeeded"
				result = &Result{Success: true, Message: "5"}
			}
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: status, Result: result})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	submitted, err := client.SubmitTask(context.Background(), TaskSubmission{ID: "task-1", Request: Request{SessionID: "s1", RequestText: "add"}})
	if err != nil || submitted.Status != "pending" {
		t.Fatalf("submit: %+v %v", submitted, err)
	}
	done, err := client.WaitTask(context.Background(), "task-1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !done.Done() || done.Result == nil || done.Result.Message != "5" {
		t.Fatalf("unexpected task %+v", done)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code": "TASK_NOT_FOUND", "message": "task not found"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).GetTask(context.Background(), "task-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"tools": [{"name": "add", "description": "Add two numbers"}], "count": 1}`)
	}))
	defer srv.Close()

	tools, err := newTestClient(t, srv).ListTools(context.Background())
	if err != nil || len(tools) != 1 || tools[0].Name != "add" {
		t.Fatalf("unexpected tools %+v %v", tools, err)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/t-1/events" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keepalive\n\n")
		_, _ = io.WriteString(w, `data: {"type": "step_started", "trace_id": "t-1", "message": "Executing add"}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"type": "execution_completed", "trace_id": "t-1", "message": "done"}`+"\n\n")
		_, _ = io.WriteString(w, "data: {\"done\": true}\n\n")
	}))
	defer srv.Close()

	var got []string
	err := newTestClient(t, srv).StreamEvents(context.Background(), "t-1", func(ev Event) error {
		got = append(got, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, ",") != "step_started,execution_completed" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestStreamWithoutDoneMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/orchestrate/stream" {
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `data: {"type": "execution_started", "trace_id": "t-2"}`+"\n\n")
	}))
	defer srv.Close()

	count := 0
	err := newTestClient(t, srv).Stream(context.Background(), Request{SessionID: "s1", RequestText: "hi"}, func(Event) error {
		count++
		return nil
	})
	if !errors.Is(err, ErrStreamClosed) || count != 1 {
		t.Fatalf("expected ErrStreamClosed after one event, got %v (%d)", err, count)
	}
}
