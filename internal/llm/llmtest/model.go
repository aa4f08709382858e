// Package llmtest provides a scripted chat model for tests of the agent
// runtime.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// Response 描述一次脚本化的模型回复。
type Response struct {
	Text      string
	ToolCalls []llms.ToolCall
	// Chunks 在流式调用时依次输出，为空时整体输出 Text。
	Chunks       []string
	Err          error
	InputTokens  int
	OutputTokens int
}

// Call 记录模型收到的一次调用。
type Call struct {
	Messages []llms.MessageContent
	Options  llms.CallOptions
}

// ErrScriptExhausted 表示脚本中的回复已经用完。
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Model 按顺序返回脚本中的回复，也可以通过 Handler 动态决定回复。
type Model struct {
	mu      sync.Mutex
	script  []Response
	calls   []Call
	Handler func(call Call) Response
}

// New 创建脚本化模型。
func New(responses ...Response) *Model {
	return &Model{script: responses}
}

// GenerateContent 实现 llm.ChatModel。
func (m *Model) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}
	call := Call{Messages: append([]llms.MessageContent(nil), messages...), Options: opts}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	var resp Response
	switch {
	case m.Handler != nil:
		m.mu.Unlock()
		resp = m.Handler(call)
		m.mu.Lock()
	case len(m.script) > 0:
		resp = m.script[0]
		m.script = m.script[1:]
	default:
		resp = Response{Err: ErrScriptExhausted}
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	if opts.StreamingFunc != nil {
		chunks := resp.Chunks
		if len(chunks) == 0 && resp.Text != "" {
			chunks = []string{resp.Text}
		}
		for _, chunk := range chunks {
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
		if resp.Text == "" {
			resp.Text = strings.Join(chunks, "")
		}
	}

	info := map[string]any{}
	if resp.InputTokens > 0 || resp.OutputTokens > 0 {
		info["PromptTokens"] = resp.InputTokens
		info["CompletionTokens"] = resp.OutputTokens
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        resp.Text,
		ToolCalls:      resp.ToolCalls,
		GenerationInfo: info,
	}}}, nil
}

// Calls 返回已记录的调用。
func (m *Model) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount 返回调用次数。
func (m *Model) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ToolCall 构造一个函数调用。
func ToolCall(id, name, arguments string) llms.ToolCall {
	return llms.ToolCall{
		ID:           id,
		Type:         "function",
		FunctionCall: &llms.FunctionCall{Name: name, Arguments: arguments},
	}
}

// Text 拼接消息中的全部文本片段。
func Text(msg llms.MessageContent) string {
	var sb strings.Builder
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			sb.WriteString(p.Text)
		case llms.ToolCallResponse:
			sb.WriteString(p.Content)
		}
	}
	return sb.String()
}

// Roles 返回消息角色序列。
func Roles(messages []llms.MessageContent) []llms.ChatMessageType {
	roles := make([]llms.ChatMessageType, 0, len(messages))
	for _, msg := range messages {
		roles = append(roles, msg.Role)
	}
	return roles
}
