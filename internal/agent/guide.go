package agent

import (
	"context"
	"strings"

	"ToolMind/internal/llm"

	"github.com/tmc/langchaingo/llms"
)

// thoughtFilter 隐藏思考标记之前的内容，标记出现后的文本原样转发。
type thoughtFilter struct {
	buf    strings.Builder
	opened bool
}

// push 处理一个片段，返回需要下发的文本。
func (f *thoughtFilter) push(chunk string) string {
	if f.opened {
		return chunk
	}
	f.buf.WriteString(chunk)
	text := f.buf.String()
	for _, marker := range thoughtEndMarkers {
		idx := strings.LastIndex(text, marker)
		if idx < 0 {
			continue
		}
		f.opened = true
		return strings.TrimSpace(text[idx+len(marker):])
	}
	return ""
}

// flush 在流结束时调用：从未出现标记时整体下发。
func (f *thoughtFilter) flush() string {
	if f.opened {
		return ""
	}
	return f.buf.String()
}

func (a *Agent) generateGuide(ctx context.Context, caller llm.Caller, req GuideRequest, em emitter) (*Outcome, error) {
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

	tools := toolsJSON(registry)
	prompt := buildGuidePrompt(req.Query, tools)
	if strings.TrimSpace(req.Feedback) != "" {
		prompt = buildGuideFeedbackPrompt(req.Query, req.GuidePrompt, req.Feedback, tools)
	}

	var (
		filter thoughtFilter
		shown  strings.Builder
	)
	_, err = llm.Stream(ctx, model, []llms.MessageContent{llm.Human(prompt)}, func(chunk string) error {
		out := filter.push(chunk)
		if out == "" {
			return nil
		}
		shown.WriteString(out)
		return em.emit(guideEvent(out))
	})
	if err != nil {
		return nil, err
	}
	if rest := filter.flush(); rest != "" {
		shown.WriteString(rest)
		if err := em.emit(guideEvent(rest)); err != nil {
			return nil, err
		}
	}
	return &Outcome{Answer: shown.String(), Passed: true, Attempts: 1}, nil
}
