package agent

import (
	"fmt"
	"strings"
)

const systemPrompt = `你是 ToolMind 的任务执行助手。用户给出一个目标后，系统会将其拆解为多个步骤逐一执行，
每个步骤的执行记录都会出现在后续对话中。请基于这些记录，用清晰、有条理的 Markdown 给出最终答复，
不要编造执行记录中不存在的事实。`

const evaluatorSystemPrompt = "你是一个专业的结果评判助手。"

// thoughtEndMarkers 标记引导提示词中思考过程的结束位置。
var thoughtEndMarkers = []string{"</Thought_END>", "<Thought_END>"}

func buildTaskPrompt(query, guidePrompt, toolsJSON, now string) string {
	var sb strings.Builder
	sb.WriteString("你是一名任务规划专家，需要把用户的问题拆解为若干可执行的步骤。\n\n")
	sb.WriteString("## 当前时间\n")
	sb.WriteString(now)
	sb.WriteString("\n\n## 可用工具\n")
	sb.WriteString(toolsJSON)
	sb.WriteString("\n\n## 用户问题\n")
	sb.WriteString(query)
	if strings.TrimSpace(guidePrompt) != "" {
		sb.WriteString("\n\n## 执行指导\n")
		sb.WriteString(guidePrompt)
	}
	sb.WriteString(`

## 输出要求
只输出一个 JSON 对象，格式如下：
{"steps": [{"thought": "为什么需要这一步", "step_id": "step_1", "title": "步骤标题", "target": "步骤目标",
"workflow": "执行方式，可以是字符串或列表", "precautions": "注意事项", "input_thought": "为什么依赖这些输入",
"input": ["依赖的 step_id，直接依赖用户问题时可以留空"]}]}
step_id 必须唯一，input 只能引用已经出现的 step_id。`)
	return sb.String()
}

func buildFixJSONPrompt(text string, cause error) string {
	return fmt.Sprintf(`下面的内容本应是一个合法的 JSON 对象，但解析失败了。
## 错误信息
%v

## 原始内容
%s

请修复格式问题并只输出修复后的 JSON，不要添加任何解释。`, cause, text)
}

func buildStepPrompt(stepJSON, contextJSON string) string {
	var sb strings.Builder
	sb.WriteString("你正在执行一个复杂任务中的某个步骤。请根据步骤说明决定是否需要调用工具，需要时直接发起工具调用。\n\n")
	sb.WriteString("## 当前步骤\n")
	sb.WriteString(stepJSON)
	sb.WriteString("\n\n## 依赖步骤的执行状态\n")
	if strings.TrimSpace(contextJSON) == "" {
		sb.WriteString("无")
	} else {
		sb.WriteString(contextJSON)
	}
	return sb.String()
}

func buildEvaluationPrompt(query, answer string) string {
	return fmt.Sprintf(`请判断下面的回答在多大程度上满足了用户的问题，必要时可以使用搜索工具核实事实。

## 用户问题
%s

## 回答
%s

请只输出 JSON：{"score": 0-100 的整数, "reasoning": "简要理由"}`, query, answer)
}

func buildTitlePrompt(query string) string {
	return fmt.Sprintf("请为下面的问题生成一个不超过 15 个字的会话标题，只输出标题本身：\n%s", query)
}

func buildGuidePrompt(query, toolsJSON string) string {
	return fmt.Sprintf(`你需要为下面的用户问题撰写一份执行指导，帮助后续的任务规划更准确。
先在 <Thought_END> 之前写下你的分析过程，再在其后输出面向用户的指导内容。

## 可用工具
%s

## 用户问题
%s`, toolsJSON, query)
}

func buildGuideFeedbackPrompt(query, guidePrompt, feedback, toolsJSON string) string {
	return fmt.Sprintf(`用户对之前生成的执行指导提出了修改意见，请据此重新撰写。
先在 <Thought_END> 之前写下你的分析过程，再在其后输出新的指导内容。

## 可用工具
%s

## 用户问题
%s

## 之前的指导
%s

## 用户反馈
%s`, toolsJSON, query, guidePrompt, feedback)
}

func passBanner(score int, reasoning string) string {
	return fmt.Sprintf("\n\n\n> **✅ 自我反馈通过** (匹配度: %d/100)\n> **理由**: %s\n\n---\n\n", score, reasoning)
}

func exhaustedBanner(score int, reasoning string, attempts int) string {
	return fmt.Sprintf("\n\n\n> **⚠️ 自我反馈未通过，已达到最大尝试次数 %d 次** (匹配度: %d/100)\n> **理由**: %s\n\n---\n\n", attempts, score, reasoning)
}

func retryBanner(score int, reasoning string, nextAttempt int) string {
	return fmt.Sprintf("\n\n\n> **⚠️ 自我反馈未通过** (匹配度: %d/100)\n> **理由**: %s\n> \n> __系统正在进行第 %d 次重跑尝试...__\n\n---\n\n", score, reasoning, nextAttempt)
}

const replanMessage = "正在重新规划任务并重头执行..."

func replanTitle(attempt int) string {
	return fmt.Sprintf("第 %d 次重跑", attempt)
}
