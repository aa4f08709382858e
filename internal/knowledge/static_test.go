package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryRanksByMatches(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "Redis", Content: "redis notes", Keywords: []string{"redis"}},
		{Title: "Queues", Content: "queue notes", Keywords: []string{"redis", "rabbitmq"}, Tags: []string{"queue"}},
		{Title: "Unrelated", Content: "nothing", Keywords: []string{"kubernetes"}},
	}, 5)

	got := p.Query("比较 Redis 与 RabbitMQ 的 queue 能力")
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got[0].Title != "Queues" || got[1].Title != "Redis" {
		t.Fatalf("unexpected ranking: %+v", got)
	}
	if len(p.Query("   ")) != 0 {
		t.Fatalf("blank query should return nothing")
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	if err := os.WriteFile(path, []byte(`[{"title":"Go","content":"goroutines","keywords":["go"]}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadStaticProvider(path, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Len() != 1 || len(p.Query("learn go")) != 1 {
		t.Fatalf("unexpected provider state")
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
