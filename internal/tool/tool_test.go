package tool

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"

	"ToolMind/internal/knowledge"
)

func TestRegistryResolveAndInvoke(t *testing.T) {
	failing := NewFuncHandle(Descriptor{Name: "flaky"}, func(context.Context, map[string]any) (string, error) {
		return "", stdErrors.New("timeout talking to upstream")
	})
	registry, err := NewRegistry(echoHandle("search"), failing)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	out, err := registry.Invoke(context.Background(), "search", map[string]any{"query": "go"})
	if err != nil || out != "search:go" {
		t.Fatalf("unexpected invoke result %q %v", out, err)
	}
	if _, err := registry.Invoke(context.Background(), "missing", nil); !stdErrors.Is(err, ErrToolResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if _, err := registry.Invoke(context.Background(), "flaky", nil); !stdErrors.Is(err, ErrToolExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if err := registry.Register(echoHandle("search")); !stdErrors.Is(err, ErrToolConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	tools := registry.LLMTools()
	if len(tools) != 2 || tools[0].Function.Name != "search" || tools[0].Function.Parameters == nil {
		t.Fatalf("unexpected llm tools %+v", tools)
	}

	sub := registry.Subset("flaky", "nope", "flaky")
	if sub.Len() != 1 {
		t.Fatalf("unexpected subset size %d", sub.Len())
	}
	var nilRegistry *Registry
	if nilRegistry.Len() != 0 || len(nilRegistry.Descriptors()) != 0 {
		t.Fatalf("nil registry should be empty")
	}
}

func TestKnowledgeSearchHandle(t *testing.T) {
	provider := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "Redis", Content: "内存数据库", Keywords: []string{"redis"}},
	}, 3)
	h := NewKnowledgeSearch(provider)
	if h.Kind() != KindBuiltin || h.Descriptor().Name != KnowledgeName {
		t.Fatalf("unexpected descriptor %+v", h.Descriptor())
	}

	out, err := h.Invoke(context.Background(), map[string]any{"query": "什么是 Redis"})
	if err != nil || !strings.Contains(out, "内存数据库") {
		t.Fatalf("unexpected output %q %v", out, err)
	}
	out, err = h.Invoke(context.Background(), map[string]any{"input": "kafka"})
	if err != nil || out != "未找到相关知识。" {
		t.Fatalf("unexpected empty result %q %v", out, err)
	}
	if _, err := h.Invoke(context.Background(), map[string]any{}); err == nil {
		t.Fatalf("expected missing query error")
	}
}

func TestBuiltinSetFirstWins(t *testing.T) {
	set := NewBuiltinSet(echoHandle("a"), nil, echoHandle("a"), echoHandle("b"))
	if len(set.Names()) != 2 {
		t.Fatalf("unexpected names %v", set.Names())
	}
	if _, ok := set.Lookup("b"); !ok {
		t.Fatalf("expected b")
	}
	var empty *BuiltinSet
	if _, ok := empty.Lookup("a"); ok {
		t.Fatalf("nil set has no tools")
	}
}
