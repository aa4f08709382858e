package plan

import (
	"context"
	stdErrors "errors"
	"testing"
)

func TestParseWithRepair(t *testing.T) {
	ctx := context.Background()

	doc, err := ParseWithRepair(ctx, "```json\n{\"steps\":[{\"step_id\":\"A\"}]}\n```", nil)
	if err != nil || len(doc.Steps) != 1 {
		t.Fatalf("expected fenced JSON to parse, got %v err=%v", doc, err)
	}

	calls := 0
	repairer := RepairFunc(func(_ context.Context, text string, cause error) (string, error) {
		calls++
		if text != "steps: oops" || cause == nil {
			t.Fatalf("unexpected repair input %q %v", text, cause)
		}
		return `{"steps":[]}`, nil
	})
	doc, err = ParseWithRepair(ctx, "steps: oops", repairer)
	if err != nil || doc == nil || calls != 1 {
		t.Fatalf("expected repaired document, got %v err=%v calls=%d", doc, err, calls)
	}
}

func TestParseWithRepairFailures(t *testing.T) {
	ctx := context.Background()

	if _, err := ParseWithRepair(ctx, "nope", nil); !stdErrors.Is(err, ErrDecomposition) {
		t.Fatalf("expected decomposition error without repairer, got %v", err)
	}

	stillBroken := RepairFunc(func(context.Context, string, error) (string, error) { return "still broken", nil })
	if _, err := ParseWithRepair(ctx, "nope", stillBroken); !stdErrors.Is(err, ErrDecomposition) {
		t.Fatalf("expected decomposition error, got %v", err)
	}

	failing := RepairFunc(func(context.Context, string, error) (string, error) { return "", stdErrors.New("model down") })
	if _, err := ParseWithRepair(ctx, "nope", failing); !stdErrors.Is(err, ErrDecomposition) {
		t.Fatalf("expected decomposition error, got %v", err)
	}

	if _, err := ParseWithRepair(ctx, `{"steps": "not a list"}`, nil); !stdErrors.Is(err, ErrDecomposition) {
		t.Fatalf("steps must be a list")
	}
}

func TestExtractObject(t *testing.T) {
	cases := map[string]string{
		`评分如下 {"score": 90, "reasoning": "含有 } 符号"} 以上`: `{"score": 90, "reasoning": "含有 } 符号"}`,
		`{"a": {"b": 1}} trailing {"c": 2}`:                 `{"a": {"b": 1}}`,
		"```json\n{\"score\": 70}\n```":                    `{"score": 70}`,
		`broken { "a": 1 } and { "b": `:                     `{ "a": 1 }`,
		`no object here`:                                    `no object here`,
		`{ unbalanced {`:                                    `{ unbalanced {`,
		`{ "x": "unterminated } tail }`:                     `{ "x": "unterminated } tail }`,
	}
	for input, want := range cases {
		if got := ExtractObject(input); got != want {
			t.Fatalf("ExtractObject(%q) = %q, want %q", input, got, want)
		}
	}
}
