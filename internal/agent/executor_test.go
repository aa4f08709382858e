package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"testing"

	"ToolMind/internal/llm/llmtest"
	"ToolMind/internal/plan"
	"ToolMind/internal/tool"

	"github.com/tmc/langchaingo/llms"
)

func buildGraph(t *testing.T, steps ...map[string]any) *plan.Graph {
	t.Helper()
	specs := make([]json.RawMessage, 0, len(steps))
	for _, s := range steps {
		raw, _ := json.Marshal(s)
		specs = append(specs, raw)
	}
	g, err := plan.Build(specs)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestExecutorPassesFullDependencyState(t *testing.T) {
	g := buildGraph(t, stepSpec("A", "检索"), stepSpec("B", "汇总", "A", "ghost"))
	if err := g.SetResult("A", "alpha-result"); err != nil {
		t.Fatalf("set result: %v", err)
	}
	model := textModel("不需要工具")

	out, err := NewStepExecutor(model, nil).Execute(context.Background(), g, "B", "原始问题")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	call := model.Calls()[0]
	roles := llmtest.Roles(call.Messages)
	if len(roles) != 2 || roles[0] != llms.ChatMessageTypeSystem || roles[1] != llms.ChatMessageTypeHuman {
		t.Fatalf("step call must be [system, human], got %v", roles)
	}
	if llmtest.Text(call.Messages[1]) != "原始问题" {
		t.Fatalf("human message should be the query")
	}
	if len(call.Options.Tools) != 0 {
		t.Fatalf("no tools should be bound for an empty registry")
	}

	dep, _ := g.Step("A")
	state, _ := json.Marshal([]*plan.Step{dep})
	if !strings.Contains(firstText(call), string(state)) {
		t.Fatalf("context should carry the full dependency state %s, got %s", state, firstText(call))
	}
	if strings.Contains(firstText(call), `"step_id":"ghost"`) {
		t.Fatalf("unknown inputs must not appear in the context")
	}

	if out.Result != "" {
		t.Fatalf("step without tool calls should have empty result, got %q", out.Result)
	}
	turns := llmtest.Roles(out.Turns)
	if len(turns) != 2 || turns[0] != llms.ChatMessageTypeHuman || turns[1] != llms.ChatMessageTypeAI {
		t.Fatalf("unexpected turns %v", turns)
	}
	if llmtest.Text(out.Turns[1]) != "不需要工具" {
		t.Fatalf("ai turn should carry the model text")
	}
}

func TestExecutorRunsToolCalls(t *testing.T) {
	g := buildGraph(t, stepSpec("A", "检索"))
	var seen []map[string]any
	search := tool.NewFuncHandle(tool.Descriptor{Name: "web_search", Description: "search"}, func(_ context.Context, args map[string]any) (string, error) {
		seen = append(seen, args)
		return "hit:" + args["query"].(string), nil
	})
	registry, _ := tool.NewRegistry(search)
	model := llmtest.New(llmtest.Response{ToolCalls: []llms.ToolCall{
		llmtest.ToolCall("c1", "web_search", `{"query":"北京"}`),
		llmtest.ToolCall("c2", "web_search", `{"query":"上海"}`),
	}})

	out, err := NewStepExecutor(model, registry).Execute(context.Background(), g, "A", "q")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(model.Calls()[0].Options.Tools) != 1 {
		t.Fatalf("registry tools should be bound")
	}
	if out.Result != "hit:北京\nhit:上海" {
		t.Fatalf("unexpected result %q", out.Result)
	}
	if step, _ := g.Step("A"); step.Result != out.Result {
		t.Fatalf("result should be written back to the graph")
	}

	roles := llmtest.Roles(out.Turns)
	if len(roles) != 3 || roles[0] != llms.ChatMessageTypeAI || roles[1] != llms.ChatMessageTypeTool {
		t.Fatalf("unexpected turns %v", roles)
	}
	resp := out.Turns[2].Parts[0].(llms.ToolCallResponse)
	if resp.ToolCallID != "c2" || resp.Name != "web_search" || resp.Content != "hit:上海" {
		t.Fatalf("tool response should be keyed by call id: %+v", resp)
	}
	if len(seen) != 2 {
		t.Fatalf("expected two tool invocations")
	}
}

func TestExecutorToolErrors(t *testing.T) {
	failing := tool.NewFuncHandle(tool.Descriptor{Name: "broken"}, func(context.Context, map[string]any) (string, error) {
		return "", stdErrors.New("boom")
	})
	registry, _ := tool.NewRegistry(failing)

	cases := []struct {
		name string
		call llms.ToolCall
		want error
	}{
		{"unknown tool", llmtest.ToolCall("c1", "missing", `{}`), tool.ErrToolResolution},
		{"execution failure", llmtest.ToolCall("c1", "broken", `{}`), tool.ErrToolExecution},
		{"bad arguments", llmtest.ToolCall("c1", "broken", `{not json`), tool.ErrToolExecution},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := buildGraph(t, stepSpec("A", "检索"))
			model := llmtest.New(llmtest.Response{ToolCalls: []llms.ToolCall{tc.call}})
			_, err := NewStepExecutor(model, registry).Execute(context.Background(), g, "A", "q")
			if !stdErrors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
