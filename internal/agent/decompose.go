package agent

import (
	"context"
	"encoding/json"

	"ToolMind/internal/llm"
	"ToolMind/internal/plan"
	"ToolMind/internal/tool"

	"github.com/tmc/langchaingo/llms"
)

// toolsJSON 渲染提示词中的工具列表。
func toolsJSON(registry *tool.Registry) string {
	descs := registry.Descriptors()
	if descs == nil {
		descs = []tool.Descriptor{}
	}
	raw, err := json.MarshalIndent(descs, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// decompose 让对话模型以 JSON 模式输出任务拆解，解析失败时用同一模型修复一次。
func (a *Agent) decompose(ctx context.Context, model llm.ChatModel, req Request, registry *tool.Registry) (*plan.Decomposition, error) {
	ctx, span := tracer.Start(ctx, "agent.decompose")
	defer span.End()

	prompt := buildTaskPrompt(req.Query, req.GuidePrompt, toolsJSON(registry), a.currentTime())
	reply, err := llm.Invoke(ctx, model, []llms.MessageContent{llm.Human(prompt)}, llms.WithJSONMode())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	repairer := plan.RepairFunc(func(ctx context.Context, text string, cause error) (string, error) {
		fixed, err := llm.Invoke(ctx, model, []llms.MessageContent{llm.Human(buildFixJSONPrompt(text, cause))}, llms.WithJSONMode())
		if err != nil {
			return "", err
		}
		return fixed.Text, nil
	})
	doc, err := plan.ParseWithRepair(ctx, reply.Text, repairer)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return doc, nil
}

// buildGraph 拆解任务并构建依赖图与执行顺序。
func (a *Agent) buildGraph(ctx context.Context, model llm.ChatModel, req Request, registry *tool.Registry) (*plan.Graph, []string, error) {
	doc, err := a.decompose(ctx, model, req, registry)
	if err != nil {
		return nil, nil, err
	}
	g, err := plan.Build(doc.Steps)
	if err != nil {
		return nil, nil, err
	}
	order, err := g.Order()
	if err != nil {
		return nil, nil, err
	}
	return g, order, nil
}

// Preview 是任务预览的结果：步骤定义与展示边，不执行。
type Preview struct {
	Steps []plan.Step `json:"steps"`
	Graph []plan.Edge `json:"graph"`
}

// Plan 只做任务拆解并返回依赖图。
func (a *Agent) Plan(ctx context.Context, caller llm.Caller, req Request) (*Preview, error) {
	if err := a.precheck(req); err != nil {
		return nil, err
	}
	caller = a.caller(caller)
	catalog := a.catalogs(caller)
	defer catalog.Close()

	registry, err := catalog.Registry(ctx, req.selection())
	if err != nil {
		return nil, err
	}
	model, err := a.models.Model(ctx, caller, llm.RoleConversation)
	if err != nil {
		return nil, err
	}
	g, _, err := a.buildGraph(ctx, model, req, registry)
	if err != nil {
		return nil, err
	}
	edges := g.Edges()
	if edges == nil {
		edges = []plan.Edge{}
	}
	return &Preview{Steps: g.Snapshot(), Graph: edges}, nil
}
