package llm

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "ToolMind/internal/errors"

	"github.com/tmc/langchaingo/llms"
)

// Role 表示模型在编排流程中的用途。
type Role string

const (
	// RoleConversation 负责任务拆解、总结与标题生成。
	RoleConversation Role = "conversation"
	// RoleToolCall 负责步骤执行中的工具调用。
	RoleToolCall Role = "tool_call"
	// RoleReasoning 负责结果评判。
	RoleReasoning Role = "reasoning"
)

// Roles 返回全部已知角色。
func Roles() []Role {
	return []Role{RoleConversation, RoleToolCall, RoleReasoning}
}

// Valid 判断角色是否受支持。
func (r Role) Valid() bool {
	switch r {
	case RoleConversation, RoleToolCall, RoleReasoning:
		return true
	}
	return false
}

// Caller 携带一次提交的调用方身份，用于用户级配置与用量统计。
type Caller struct {
	UserID string
	Agent  string
}

// ModelConfig 描述一个 OpenAI 兼容的模型端点。
type ModelConfig struct {
	Model   string        `json:"model"`
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

// ChatModel 是编排流程依赖的最小模型能力，与 langchaingo 的 llms.Model 兼容。
type ChatModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Factory 根据配置构建模型实例。
type Factory func(cfg ModelConfig) (ChatModel, error)

// Reply 是一次非流式调用的首个候选结果。
type Reply struct {
	Text      string
	ToolCalls []llms.ToolCall
}

// Message 组装包含 AI 回复与工具调用的消息，用于写回对话历史。
func (r *Reply) Message() llms.MessageContent {
	parts := make([]llms.ContentPart, 0, len(r.ToolCalls)+1)
	if r.Text != "" {
		parts = append(parts, llms.TextContent{Text: r.Text})
	}
	for _, tc := range r.ToolCalls {
		parts = append(parts, tc)
	}
	return llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts}
}

// ErrEmptyResponse 表示模型没有返回任何候选。
var ErrEmptyResponse = xerrors.New(xerrors.CodeUpstreamFailure, "模型未返回任何结果")

// Invoke 调用模型并返回首个候选。
func Invoke(ctx context.Context, model ChatModel, messages []llms.MessageContent, options ...llms.CallOption) (*Reply, error) {
	resp, err := model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return &Reply{Text: choice.Content, ToolCalls: choice.ToolCalls}, nil
}

// Stream 以流式方式调用模型，每个增量片段回调一次 onChunk，返回完整文本。
func Stream(ctx context.Context, model ChatModel, messages []llms.MessageContent, onChunk func(chunk string) error, options ...llms.CallOption) (string, error) {
	var sb strings.Builder
	streamed := false
	opts := append([]llms.CallOption{}, options...)
	opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		streamed = true
		sb.Write(chunk)
		return onChunk(string(chunk))
	}))

	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return sb.String(), classify(err)
	}
	if streamed {
		return sb.String(), nil
	}
	// 部分实现不支持流式回调，此时整体作为一个片段输出。
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := resp.Choices[0].Content
	if text != "" {
		if err := onChunk(text); err != nil {
			return text, err
		}
	}
	return text, nil
}

// System 构建系统消息。
func System(text string) llms.MessageContent {
	return llms.TextParts(llms.ChatMessageTypeSystem, text)
}

// Human 构建用户消息。
func Human(text string) llms.MessageContent {
	return llms.TextParts(llms.ChatMessageTypeHuman, text)
}

// AI 构建纯文本的助手消息。
func AI(text string) llms.MessageContent {
	return llms.TextParts(llms.ChatMessageTypeAI, text)
}

// ToolResponse 构建工具返回消息。
func ToolResponse(callID, name, content string) llms.MessageContent {
	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: callID,
			Name:       name,
			Content:    content,
		}},
	}
}

// DecodeArguments 将工具调用的 JSON 参数解析为对象，空参数视为空对象。
func DecodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数不是合法的 JSON 对象")
	}
	return args, nil
}

var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"ratelimit",
	"rate_limit",
	"insufficient_quota",
	"too many requests",
}

// IsRateLimit 判断错误是否源于上游限流或额度不足。
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.HasCode(err, xerrors.CodeRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch {
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, "模型调用已取消")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "模型调用超时")
	case IsRateLimit(err):
		return xerrors.Wrap(xerrors.CodeRateLimited, err, "模型触发限流或额度不足")
	default:
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用模型失败")
	}
}
