package plan

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func rawStep(id, title string, inputs ...string) json.RawMessage {
	step := map[string]any{
		"step_id":       id,
		"title":         title,
		"thought":       "思考 " + id,
		"target":        "目标 " + id,
		"workflow":      []string{"do " + id},
		"precautions":   "",
		"input_thought": "",
		"input":         inputs,
	}
	data, _ := json.Marshal(step)
	return data
}

func TestBuildEdges(t *testing.T) {
	g, err := Build([]json.RawMessage{
		rawStep("A", "Step A"),
		rawStep("B", "Step B", "A"),
		rawStep("C", "Step C", "X"),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []Edge{
		{Start: "Step A", End: "Step B"},
		{Start: UserQueryTitle, End: "Step C"},
	}
	if !reflect.DeepEqual(g.Edges(), want) {
		t.Fatalf("unexpected edges: %+v", g.Edges())
	}
	if g.Len() != 3 || !reflect.DeepEqual(g.IDs(), []string{"A", "B", "C"}) {
		t.Fatalf("unexpected ids: %v", g.IDs())
	}
}

func TestBuildRejectsInvalidSteps(t *testing.T) {
	missingTitle := json.RawMessage(`{"step_id":"A","thought":"","target":"","workflow":null,"precautions":"","input_thought":""}`)
	wrongType := json.RawMessage(`{"step_id":"A","title":"A","thought":"","target":"","workflow":"","precautions":"","input_thought":"","input":"B"}`)
	blankID := json.RawMessage(`{"step_id":"  ","title":"A","thought":"","target":"","workflow":"","precautions":"","input_thought":""}`)

	for name, specs := range map[string][]json.RawMessage{
		"missing title": {rawStep("A", "A"), missingTitle},
		"wrong type":    {wrongType},
		"blank id":      {blankID},
		"duplicate id":  {rawStep("A", "first"), rawStep("A", "second")},
		"not json":      {json.RawMessage(`"oops"`)},
	} {
		g, err := Build(specs)
		if !stdErrors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
		if g != nil {
			t.Fatalf("%s: no partial graph expected", name)
		}
	}
}

func TestBuildIgnoresProvidedResult(t *testing.T) {
	raw := json.RawMessage(`{"step_id":"A","title":"A","thought":"","target":"","workflow":{"k":1},"precautions":"","input_thought":"","result":"stale"}`)
	g, err := Build([]json.RawMessage{raw})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	step, _ := g.Step("A")
	if step.Result != "" {
		t.Fatalf("result must start empty, got %q", step.Result)
	}
}

func TestOrderKeepsDeclarationOrderWhenPossible(t *testing.T) {
	g, err := Build([]json.RawMessage{
		rawStep("A", "A"),
		rawStep("B", "B", "A"),
		rawStep("C", "C"),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	order, err := g.Order()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestOrderRunsDependenciesFirst(t *testing.T) {
	g, err := Build([]json.RawMessage{
		rawStep("report", "report", "fetch", "analyse"),
		rawStep("analyse", "analyse", "fetch"),
		rawStep("fetch", "fetch", "ghost"),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	order, err := g.Order()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"fetch", "analyse", "report"}) {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestOrderFailsOnCycle(t *testing.T) {
	cases := [][]json.RawMessage{
		{rawStep("A", "A", "B"), rawStep("B", "B", "A"), rawStep("C", "C")},
		{rawStep("A", "A", "A")},
	}
	for i, specs := range cases {
		g, err := Build(specs)
		if err != nil {
			t.Fatalf("case %d build: %v", i, err)
		}
		_, err = g.Order()
		if !stdErrors.Is(err, ErrCyclicDependency) {
			t.Fatalf("case %d: expected cyclic dependency error, got %v", i, err)
		}
		if !strings.Contains(err.Error(), "A") {
			t.Fatalf("case %d: error should name blocked steps: %v", i, err)
		}
	}
}

func TestDependenciesAndSnapshot(t *testing.T) {
	g, err := Build([]json.RawMessage{
		rawStep("A", "A"),
		rawStep("B", "B", "A", "A", "missing"),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := g.SetResult("A", "42"); err != nil {
		t.Fatalf("set result: %v", err)
	}
	deps := g.Dependencies("B")
	if len(deps) != 1 || deps[0].StepID != "A" || deps[0].Result != "42" {
		t.Fatalf("unexpected deps: %+v", deps)
	}
	snapshot := g.Snapshot()
	snapshot[0].Result = "mutated"
	if step, _ := g.Step("A"); step.Result != "42" {
		t.Fatalf("snapshot must be a copy")
	}
	if err := g.SetResult("Z", "x"); err == nil {
		t.Fatalf("expected error for unknown step")
	}
}

func BenchmarkOrder(b *testing.B) {
	specs := make([]json.RawMessage, 0, 50)
	for i := 0; i < 50; i++ {
		var inputs []string
		if i > 0 {
			inputs = []string{fmt.Sprint(i - 1)}
		}
		specs = append(specs, rawStep(fmt.Sprint(i), fmt.Sprint("step ", i), inputs...))
	}
	g, err := Build(specs)
	if err != nil {
		b.Fatalf("build: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := g.Order(); err != nil {
			b.Fatalf("order: %v", err)
		}
	}
}
