package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "ToolMind/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("boom")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{RunID: "r1"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error naming channel b, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("both notifiers should receive the event")
	}
	if got := d.Channels(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should not fail: %v", err)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	event := Event{Code: xerrors.CodeRetriesExhausted, RunID: "r1", Severity: xerrors.SeverityCritical, Attempts: 3}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.RunID != "r1" || got.Code != xerrors.CodeRetriesExhausted || got.Attempts != 3 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on 502")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}
