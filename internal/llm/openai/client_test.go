package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ToolMind/internal/llm"

	"github.com/tmc/langchaingo/llms"
)

func TestNewModelValidation(t *testing.T) {
	if _, err := NewModel(llm.ModelConfig{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateContentAgainstCompatibleEndpoint(t *testing.T) {
	var captured struct {
		Path          string
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "你好"},
			}},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9},
		})
	}))
	defer srv.Close()

	model, err := Factory(srv.Client())(llm.ModelConfig{APIKey: "test", BaseURL: srv.URL + "/", Model: "test-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply, err := llm.Invoke(context.Background(), model, []llms.MessageContent{llm.System("sys"), llm.Human("hi")})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.Text != "你好" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("unexpected authorization header %q", captured.Authorization)
	}
	if !strings.HasSuffix(captured.Path, "/chat/completions") {
		t.Fatalf("unexpected path %s", captured.Path)
	}
	if captured.Body["model"] != "test-model" {
		t.Fatalf("unexpected model in body: %v", captured.Body["model"])
	}
}
