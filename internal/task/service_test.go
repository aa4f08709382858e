package task

import (
	"context"
	"errors"
	"testing"

	"ToolMind/internal/agent"
	xerrors "ToolMind/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("queue down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitValidatesQuery(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1), NewMemoryEventLog(), 0)
	_, err := svc.Submit(context.Background(), Submission{UserID: "u", Request: agent.Request{Query: " "}})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestServiceSubmitIsIdempotentPerID(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewMemoryQueue(4), NewMemoryEventLog(), 0)
	ctx := context.Background()

	first, err := svc.Submit(ctx, Submission{ID: "fixed", UserID: "alice", Request: agent.Request{Query: "q", Plugins: []string{"web_search"}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.MaxRetries != DefaultMaxRetries || first.Status != StatusPending {
		t.Fatalf("unexpected task %+v", first)
	}
	again, err := svc.Submit(ctx, Submission{ID: "fixed", UserID: "alice", Request: agent.Request{Query: "other"}})
	if err != nil || again.Query != "q" {
		t.Fatalf("resubmission should return the existing run: %+v %v", again, err)
	}
	if _, err := svc.Submit(ctx, Submission{ID: "fixed", UserID: "bob", Request: agent.Request{Query: "q"}}); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("foreign resubmission should be denied, got %v", err)
	}

	if req := first.Request(); req.Query != "q" || len(req.Plugins) != 1 {
		t.Fatalf("request not restored: %+v", req)
	}
}

func TestServiceSubmitPublishFailureMarksTerminal(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, NewMemoryEventLog(), 1)
	svc.newID = func() string { return "r1" }

	_, err := svc.Submit(context.Background(), Submission{UserID: "u", Request: agent.Request{Query: "q"}})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	got, _ := store.Get(context.Background(), "r1")
	if got.Status != StatusFailed || got.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("run should be failed terminally: %+v", got)
	}
}

func TestServiceGetOwned(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewMemoryQueue(1), NewMemoryEventLog(), 1)
	seedStore(t, store, &Task{ID: "r1", UserID: "alice", Query: "q", Status: StatusPending, MaxRetries: 1})

	if _, err := svc.GetOwned(context.Background(), "r1", "alice"); err != nil {
		t.Fatalf("owner should read the run: %v", err)
	}
	if _, err := svc.GetOwned(context.Background(), "r1", "bob"); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := svc.GetOwned(context.Background(), "nope", "alice"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceFollowStopsOnCancel(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1), NewMemoryEventLog(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.Follow(ctx, "r1", 0, 0, func(EventRecord) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
