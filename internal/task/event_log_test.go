package task

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryEventLogAssignsSequence(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seq, err := log.Append(ctx, "r1", EventRecord{Type: "step_result", Data: json.RawMessage(`{}`)})
		if err != nil || seq != int64(i) {
			t.Fatalf("append %d: seq=%d err=%v", i, seq, err)
		}
	}
	if _, err := log.Append(ctx, "", EventRecord{}); err == nil {
		t.Fatalf("empty run id should be rejected")
	}

	tail, _ := log.Range(ctx, "r1", 1)
	if len(tail) != 2 || tail[0].Seq != 1 {
		t.Fatalf("unexpected tail %+v", tail)
	}
	if rest, _ := log.Range(ctx, "r1", 3); len(rest) != 0 {
		t.Fatalf("range past the end should be empty")
	}
	if other, _ := log.Range(ctx, "r2", 0); len(other) != 0 {
		t.Fatalf("runs must not share logs")
	}
}

func TestEventRecordTerminal(t *testing.T) {
	cases := []struct {
		rec  EventRecord
		want bool
	}{
		{EventRecord{Type: EventRunStatus, Data: json.RawMessage(`{"status":"succeeded"}`)}, true},
		{EventRecord{Type: EventRunStatus, Data: json.RawMessage(`{"status":"failed"}`)}, true},
		{EventRecord{Type: EventRunStatus, Data: json.RawMessage(`{"status":"pending"}`)}, false},
		{EventRecord{Type: "task_result", Data: json.RawMessage(`{"status":"succeeded"}`)}, false},
		{EventRecord{Type: EventRunStatus, Data: json.RawMessage(`not json`)}, false},
	}
	for i, tc := range cases {
		if got := tc.rec.Terminal(); got != tc.want {
			t.Fatalf("case %d: got %v want %v", i, got, tc.want)
		}
	}
}
