package toolmind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSubmitRunSendsUserHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-User-ID"); got != "alice" {
			t.Fatalf("expected user header alice, got %q", got)
		}
		var sub RunSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if sub.Query != "天气如何" || !sub.WebSearch {
			t.Fatalf("unexpected submission: %+v", sub)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", UserID: "alice", Query: sub.Query, Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	run, err := client.SubmitRun(context.Background(), RunSubmission{Query: "天气如何", WebSearch: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.ID != "run-1" || run.Status != "pending" || run.Terminal() {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestGetRunReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/missing" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"TASK_NOT_FOUND","message":"task not found"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "alice", srv.Client())
	_, err := client.GetRun(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListRunsEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "pending,running" {
			t.Fatalf("unexpected status filter: %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("unexpected limit: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": []Run{{ID: "a"}, {ID: "b"}}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "alice", srv.Client())
	runs, err := client.ListRuns(context.Background(), 5, "pending", "running")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "a" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestStreamEventsParsesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-1/events" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("from"); got != "1" {
			t.Fatalf("expected from=1, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "id: 1\nevent: graph\ndata: {\"graph\":[]}\n\n")
		fmt.Fprint(w, "id: 2\nevent: run_status\ndata: {\"status\":\"succeeded\"}\n\n")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "alice", srv.Client())
	var events []Event
	err := client.StreamEvents(context.Background(), "run-1", 1, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].ID != 1 || events[0].Type != "graph" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(events[1].Data, &status); err != nil || status.Status != "succeeded" {
		t.Fatalf("unexpected status payload: %s (%v)", events[1].Data, err)
	}
}

func TestStreamEventsStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := readEvents(strings.NewReader("event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"), func(Event) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after first event, got err=%v calls=%d", err, calls)
	}
}

func TestNewClientRequiresUser(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.GetRun(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "user id") {
		t.Fatalf("expected missing user error, got %v", err)
	}
}
