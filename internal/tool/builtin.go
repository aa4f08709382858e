package tool

import (
	"context"
	"fmt"
	"strings"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/knowledge"

	"github.com/tmc/langchaingo/tools"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"github.com/tmc/langchaingo/tools/serpapi"
)

// 内置工具名称。
const (
	WebSearchName    = "web_search"
	GoogleSearchName = "google_search"
	KnowledgeName    = "knowledge_search"
)

var queryParameters = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "要检索的关键词或问题",
		},
	},
	"required": []string{"query"},
}

// FuncHandle 使用普通函数实现的内置工具。
type FuncHandle struct {
	desc Descriptor
	fn   func(ctx context.Context, args map[string]any) (string, error)
}

// NewFuncHandle 创建内置工具。
func NewFuncHandle(desc Descriptor, fn func(ctx context.Context, args map[string]any) (string, error)) *FuncHandle {
	return &FuncHandle{desc: desc, fn: fn}
}

// Descriptor 实现 Handle。
func (h *FuncHandle) Descriptor() Descriptor { return h.desc }

// Kind 实现 Handle。
func (h *FuncHandle) Kind() Kind { return KindBuiltin }

// Invoke 实现 Handle。
func (h *FuncHandle) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return h.fn(ctx, args)
}

// FromLangChain 将 langchaingo 的单输入工具包装为内置工具，参数取 query 字段。
func FromLangChain(name string, t tools.Tool) *FuncHandle {
	desc := Descriptor{
		Name:        name,
		Description: t.Description(),
		Parameters:  queryParameters,
	}
	return NewFuncHandle(desc, func(ctx context.Context, args map[string]any) (string, error) {
		query, err := queryArg(args)
		if err != nil {
			return "", err
		}
		return t.Call(ctx, query)
	})
}

// NewWebSearch 基于 DuckDuckGo 创建 web_search 工具。
func NewWebSearch(maxResults int, userAgent string) (*FuncHandle, error) {
	if userAgent == "" {
		userAgent = duckduckgo.DefaultUserAgent
	}
	t, err := duckduckgo.New(maxResults, userAgent)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 web_search 工具失败")
	}
	return FromLangChain(WebSearchName, t), nil
}

// NewGoogleSearch 基于 SerpAPI 创建 google_search 工具。
func NewGoogleSearch(apiKey string) (*FuncHandle, error) {
	t, err := serpapi.New(serpapi.WithAPIKey(apiKey))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 google_search 工具失败")
	}
	return FromLangChain(GoogleSearchName, t), nil
}

// NewKnowledgeSearch 基于静态知识库创建 knowledge_search 工具。
func NewKnowledgeSearch(provider knowledge.Provider) *FuncHandle {
	desc := Descriptor{
		Name:        KnowledgeName,
		Description: "在内置知识库中检索与问题相关的资料片段。",
		Parameters:  queryParameters,
	}
	return NewFuncHandle(desc, func(_ context.Context, args map[string]any) (string, error) {
		query, err := queryArg(args)
		if err != nil {
			return "", err
		}
		snippets := provider.Query(query)
		if len(snippets) == 0 {
			return "未找到相关知识。", nil
		}
		var sb strings.Builder
		for i, s := range snippets {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "## %s\n%s", s.Title, s.Content)
		}
		return sb.String(), nil
	})
}

func queryArg(args map[string]any) (string, error) {
	for _, key := range []string{"query", "input", "q"} {
		if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少 query 参数")
}

// BuiltinSet 保存进程内可用的内置工具，按名称挑选。
type BuiltinSet struct {
	handles map[string]Handle
	names   []string
}

// NewBuiltinSet 创建内置工具集合，重复名称以先注册者为准。
func NewBuiltinSet(handles ...Handle) *BuiltinSet {
	set := &BuiltinSet{handles: make(map[string]Handle, len(handles))}
	for _, h := range handles {
		if h == nil {
			continue
		}
		name := h.Descriptor().Name
		if _, dup := set.handles[name]; dup {
			continue
		}
		set.handles[name] = h
		set.names = append(set.names, name)
	}
	return set
}

// Lookup 按名称查找内置工具。
func (s *BuiltinSet) Lookup(name string) (Handle, bool) {
	if s == nil {
		return nil, false
	}
	h, ok := s.handles[name]
	return h, ok
}

// Names 返回全部内置工具名称。
func (s *BuiltinSet) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}
