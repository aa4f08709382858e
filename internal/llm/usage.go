package llm

import (
	"context"
	"time"

	"ToolMind/pkg/logger"

	"github.com/tmc/langchaingo/llms"
)

// UsageRecord 记录一次模型调用消耗的 token。
type UsageRecord struct {
	UserID       string `json:"user_id"`
	Agent        string `json:"agent"`
	Model        string `json:"model"`
	Role         Role   `json:"role"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CreatedAt    int64  `json:"created_at"`
}

// UsageRecorder 持久化用量记录。
type UsageRecorder interface {
	RecordUsage(ctx context.Context, record UsageRecord) error
}

// meteredModel 在每次调用后根据返回的 GenerationInfo 记录用量。
type meteredModel struct {
	inner    ChatModel
	caller   Caller
	role     Role
	model    string
	recorder UsageRecorder
}

func (m *meteredModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	resp, err := m.inner.GenerateContent(ctx, messages, options...)
	if err != nil || resp == nil {
		return resp, err
	}
	input, output := TokenUsage(resp)
	if input == 0 && output == 0 {
		return resp, nil
	}
	record := UsageRecord{
		UserID:       m.caller.UserID,
		Agent:        m.caller.Agent,
		Model:        m.model,
		Role:         m.role,
		InputTokens:  input,
		OutputTokens: output,
		CreatedAt:    time.Now().Unix(),
	}
	// 用量写入失败不影响主流程。
	if recErr := m.recorder.RecordUsage(context.WithoutCancel(ctx), record); recErr != nil {
		logger.Named("llm").Warn("记录模型用量失败", "model", m.model, "error", recErr)
	}
	return resp, nil
}

// TokenUsage 汇总响应中所有候选的输入与输出 token 数。
func TokenUsage(resp *llms.ContentResponse) (input, output int) {
	if resp == nil {
		return 0, 0
	}
	for _, choice := range resp.Choices {
		if choice == nil || choice.GenerationInfo == nil {
			continue
		}
		input = max(input, intValue(choice.GenerationInfo["PromptTokens"]))
		output += intValue(choice.GenerationInfo["CompletionTokens"])
	}
	return input, output
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}
