package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
	"ToolMind/internal/observability/metrics"
	"ToolMind/internal/plan"
	"ToolMind/internal/tool"
	"ToolMind/pkg/logger"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultEvaluatorRounds = 8

	rateLimitedScore = 80
	fallbackScore    = 100
)

// Evaluation 是自我评判的结果。
type Evaluation struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// Evaluator 评判最终回答与问题的匹配度，任何失败都降级为确定的分数，不返回错误。
type Evaluator struct {
	model     llm.ChatModel
	repair    llm.ChatModel
	tools     *tool.Registry
	maxRounds int
}

// NewEvaluator 创建评判器。model 负责评判，repair 在输出无法解析时修复一次，tools 可以为空。
func NewEvaluator(model, repair llm.ChatModel, tools *tool.Registry, maxRounds int) *Evaluator {
	if maxRounds <= 0 {
		maxRounds = defaultEvaluatorRounds
	}
	return &Evaluator{model: model, repair: repair, tools: tools, maxRounds: maxRounds}
}

// Evaluate 返回 0-100 的评分与理由。
func (e *Evaluator) Evaluate(ctx context.Context, query, answer string) Evaluation {
	ctx, span := tracer.Start(ctx, "agent.evaluate")
	defer span.End()

	result := e.evaluate(ctx, query, answer)
	span.SetAttributes(attribute.Int("evaluation.score", result.Score))
	metrics.ObserveEvaluationScore(result.Score)
	return result
}

func (e *Evaluator) evaluate(ctx context.Context, query, answer string) Evaluation {
	log := logger.Named("agent")

	raw, err := e.judge(ctx, query, answer)
	if err == nil {
		var ev Evaluation
		if ev, err = decodeEvaluation(raw); err == nil {
			return ev
		}
	}

	if llm.IsRateLimit(err) {
		log.Warn("评判模型触发限流，按通过处理", "error", err)
		return Evaluation{Score: rateLimitedScore, Reasoning: "评判模型触发限流或余额不足，默认算作通过。"}
	}
	if e.repair == nil {
		return Evaluation{Score: fallbackScore, Reasoning: fmt.Sprintf("评判执行异常: %v，默认放行。", err)}
	}

	log.Warn("评判结果无法解析，尝试修复", "error", err)
	fixed, repairErr := llm.Invoke(ctx, e.repair, []llms.MessageContent{llm.Human(buildFixJSONPrompt(raw, err))})
	if repairErr == nil {
		ev, decodeErr := decodeEvaluation(fixed.Text)
		if decodeErr == nil {
			return ev
		}
		repairErr = decodeErr
	}
	log.Warn("评判修复失败，默认放行", "error", repairErr)
	return Evaluation{Score: fallbackScore, Reasoning: fmt.Sprintf("评判执行异常: %v，默认放行。", repairErr)}
}

// judge 调用评判模型，处理其工具调用直到得到文本回复。
// 返回的文本在出错时仍尽量保留，供修复使用。
func (e *Evaluator) judge(ctx context.Context, query, answer string) (string, error) {
	if e.model == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置评判模型")
	}
	messages := []llms.MessageContent{
		llm.System(evaluatorSystemPrompt),
		llm.Human(buildEvaluationPrompt(query, answer)),
	}
	var opts []llms.CallOption
	if e.tools.Len() > 0 {
		opts = append(opts, llms.WithTools(e.tools.LLMTools()))
	}

	for round := 0; round < e.maxRounds; round++ {
		reply, err := llm.Invoke(ctx, e.model, messages, opts...)
		if err != nil {
			return "", err
		}
		if len(reply.ToolCalls) == 0 {
			return strings.TrimSpace(reply.Text), nil
		}
		messages = append(messages, reply.Message())
		for _, call := range reply.ToolCalls {
			content, err := invokeToolCall(ctx, e.tools, call)
			if err != nil {
				return reply.Text, err
			}
			messages = append(messages, llm.ToolResponse(call.ID, toolCallName(call), content))
		}
	}
	return "", xerrors.New(xerrors.CodeRetriesExhausted,
		fmt.Sprintf("评判工具调用超过 %d 轮", e.maxRounds))
}

// decodeEvaluation 从评判文本中提取 {score, reasoning}，缺少分数视为满分。
func decodeEvaluation(text string) (Evaluation, error) {
	body := plan.ExtractObject(text)
	var payload struct {
		Score     *float64 `json:"score"`
		Reasoning string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Evaluation{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "评判结果不是合法的 JSON")
	}
	score := fallbackScore
	if payload.Score != nil {
		score = clampScore(int(*payload.Score))
	}
	return Evaluation{Score: score, Reasoning: payload.Reasoning}, nil
}

func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
