package plan

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "ToolMind/internal/errors"
)

// Repairer 在模型输出无法解析时尝试修复 JSON。
type Repairer interface {
	Repair(ctx context.Context, text string, cause error) (string, error)
}

// RepairFunc 允许使用普通函数实现 Repairer。
type RepairFunc func(ctx context.Context, text string, cause error) (string, error)

// Repair 实现 Repairer。
func (f RepairFunc) Repair(ctx context.Context, text string, cause error) (string, error) {
	return f(ctx, text, cause)
}

// Parse 将模型输出解析为任务拆解文档，允许外层包裹 Markdown 代码块。
func Parse(text string) (*Decomposition, error) {
	body := stripFence(strings.TrimSpace(text))
	var doc Decomposition
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseWithRepair 先直接解析，失败后调用一次 repairer 并重新解析；两次均失败返回 ErrDecomposition。
func ParseWithRepair(ctx context.Context, text string, repairer Repairer) (*Decomposition, error) {
	doc, parseErr := Parse(text)
	if parseErr == nil {
		return doc, nil
	}
	if repairer == nil {
		return nil, xerrors.Wrap(CodeDecomposition, parseErr, "任务拆解结果不是合法的 JSON")
	}

	fixed, err := repairer.Repair(ctx, text, parseErr)
	if err != nil {
		return nil, xerrors.Wrap(CodeDecomposition, err, "修复任务拆解 JSON 失败")
	}
	doc, err = Parse(fixed)
	if err != nil {
		return nil, xerrors.Wrap(CodeDecomposition, err, "修复后的任务拆解依旧无法解析")
	}
	return doc, nil
}

// ExtractObject 从自由文本中提取第一个括号平衡的 JSON 对象。
// 找不到平衡对象时退化为第一个 '{' 到最后一个 '}' 之间的内容，仍失败则返回原文。
func ExtractObject(text string) string {
	s := stripFence(strings.TrimSpace(text))
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		if out, ok := balancedObject(s, i); ok {
			return out
		}
	}
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first >= 0 && last > first {
		return s[first : last+1]
	}
	return s
}

func balancedObject(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// stripFence 去掉包裹整段内容的 ``` 代码块。
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := s[3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return s
	}
	rest = rest[nl+1:]
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
