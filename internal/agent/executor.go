package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
	"ToolMind/internal/observability/metrics"
	"ToolMind/internal/plan"
	"ToolMind/internal/tool"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ToolMind/agent")

// StepOutput 是单个步骤的执行结果以及需要并入总对话的消息。
type StepOutput struct {
	Result string
	Turns  []llms.MessageContent
}

// StepExecutor 执行单个步骤：一次绑定工具的模型调用，加上模型请求的工具调用。
type StepExecutor struct {
	model llm.ChatModel
	tools *tool.Registry
}

// NewStepExecutor 创建步骤执行器，tools 可以为空。
func NewStepExecutor(model llm.ChatModel, tools *tool.Registry) *StepExecutor {
	return &StepExecutor{model: model, tools: tools}
}

// Execute 执行 graph 中的 stepID，并把结果写回 graph。
// 上下文为每个依赖步骤的完整状态，错误不在此处吞掉。
func (x *StepExecutor) Execute(ctx context.Context, g *plan.Graph, stepID, query string) (*StepOutput, error) {
	step, ok := g.Step(stepID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("步骤不存在: %s", stepID))
	}

	ctx, span := tracer.Start(ctx, "agent.step")
	span.SetAttributes(attribute.String("step.id", step.StepID), attribute.String("step.title", step.Title))
	defer span.End()
	started := time.Now()

	out, err := x.execute(ctx, g, step, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveStep("error", time.Since(started))
		return nil, err
	}
	metrics.ObserveStep("ok", time.Since(started))
	return out, nil
}

func (x *StepExecutor) execute(ctx context.Context, g *plan.Graph, step *plan.Step, query string) (*StepOutput, error) {
	stepJSON, err := json.Marshal(step)
	if err != nil {
		return nil, err
	}
	contextJSON := ""
	if deps := g.Dependencies(step.StepID); len(deps) > 0 {
		raw, err := json.Marshal(deps)
		if err != nil {
			return nil, err
		}
		contextJSON = string(raw)
	}

	var opts []llms.CallOption
	if x.tools.Len() > 0 {
		opts = append(opts, llms.WithTools(x.tools.LLMTools()))
	}
	messages := []llms.MessageContent{
		llm.System(buildStepPrompt(string(stepJSON), contextJSON)),
		llm.Human(query),
	}
	reply, err := llm.Invoke(ctx, x.model, messages, opts...)
	if err != nil {
		return nil, err
	}

	if len(reply.ToolCalls) == 0 {
		if err := g.SetResult(step.StepID, ""); err != nil {
			return nil, err
		}
		return &StepOutput{Turns: []llms.MessageContent{llm.Human(query), llm.AI(reply.Text)}}, nil
	}

	turns := make([]llms.MessageContent, 0, len(reply.ToolCalls)+1)
	turns = append(turns, reply.Message())
	results := make([]string, 0, len(reply.ToolCalls))
	for _, call := range reply.ToolCalls {
		content, err := invokeToolCall(ctx, x.tools, call)
		if err != nil {
			return nil, err
		}
		results = append(results, content)
		turns = append(turns, llm.ToolResponse(call.ID, toolCallName(call), content))
	}

	result := strings.Join(results, "\n")
	if err := g.SetResult(step.StepID, result); err != nil {
		return nil, err
	}
	return &StepOutput{Result: result, Turns: turns}, nil
}

// invokeToolCall 解析并执行一次模型发起的工具调用。
func invokeToolCall(ctx context.Context, registry *tool.Registry, call llms.ToolCall) (string, error) {
	name := toolCallName(call)
	handle, err := registry.Resolve(name)
	if err != nil {
		metrics.ObserveToolCall("unknown", "unresolved")
		return "", err
	}
	kind := string(handle.Kind())

	raw := ""
	if call.FunctionCall != nil {
		raw = call.FunctionCall.Arguments
	}
	args, err := llm.DecodeArguments(raw)
	if err != nil {
		metrics.ObserveToolCall(kind, "error")
		return "", xerrors.Wrap(tool.CodeToolExecution, err, fmt.Sprintf("工具 %s 的参数无法解析", name),
			xerrors.WithMetadata("tool", name))
	}

	content, err := registry.Invoke(ctx, name, args)
	if err != nil {
		metrics.ObserveToolCall(kind, "error")
		return "", err
	}
	metrics.ObserveToolCall(kind, "ok")
	return content, nil
}

func toolCallName(call llms.ToolCall) string {
	if call.FunctionCall == nil {
		return ""
	}
	return call.FunctionCall.Name
}
