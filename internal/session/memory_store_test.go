package session

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/plan"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := &Record{
		ID:     "s1",
		Title:  "旅行计划",
		UserID: "alice",
		Agent:  "ToolMindAgent",
		Contexts: []Context{{
			Query:     "规划一次旅行",
			Task:      []plan.Step{{StepID: "A", Title: "A", Input: []string{"x"}, Result: "done"}},
			TaskGraph: []plan.Edge{{Start: plan.UserQueryTitle, End: "A"}},
			Answer:    "answer",
		}},
		CreatedAt: 10,
	}
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	record.Contexts[0].Task[0].Input[0] = "mutated"

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Contexts[0].Task[0].Input[0] != "x" {
		t.Fatalf("store must keep its own copy")
	}

	if err := store.Create(ctx, &Record{ID: "s1", UserID: "alice"}); !stdErrors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Create(ctx, &Record{ID: "s2"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = store.Create(ctx, &Record{ID: "s3", UserID: "alice", CreatedAt: 20})
	_ = store.Create(ctx, &Record{ID: "s4", UserID: "bob", CreatedAt: 30})
	list, err := store.ListByUser(ctx, "alice", 10)
	if err != nil || len(list) != 2 || list[0].ID != "s3" {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}
}

func TestGetOwned(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Record{ID: "s1", UserID: "alice"})

	if _, err := GetOwned(ctx, store, "s1", "alice"); err != nil {
		t.Fatalf("owner should read: %v", err)
	}
	if _, err := GetOwned(ctx, store, "s1", "bob"); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}
