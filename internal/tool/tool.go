package tool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"

	xerrors "ToolMind/internal/errors"

	"github.com/tmc/langchaingo/llms"
)

const (
	// CodeToolResolution 表示模型请求的工具不在注册表中。
	CodeToolResolution xerrors.Code = "TOOL_RESOLUTION_FAILED"
	// CodeToolExecution 表示工具调用本身失败。
	CodeToolExecution xerrors.Code = "TOOL_EXECUTION_FAILED"
)

var (
	// ErrToolResolution 用于 errors.Is 判断工具解析失败。
	ErrToolResolution = xerrors.New(CodeToolResolution, "工具不存在")
	// ErrToolExecution 用于 errors.Is 判断工具执行失败。
	ErrToolExecution = xerrors.New(CodeToolExecution, "工具执行失败")
	// ErrToolConflict 表示同名工具重复注册。
	ErrToolConflict = xerrors.New(xerrors.CodeConflict, "工具名称重复")
)

func init() {
	xerrors.Register(CodeToolResolution, xerrors.Attributes{
		Message:  "tool not found",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeToolExecution, xerrors.Attributes{
		Message:  "tool execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Kind 区分工具的来源。
type Kind string

const (
	// KindProvider 表示由外部工具服务器（MCP）提供的工具。
	KindProvider Kind = "provider"
	// KindBuiltin 表示进程内置的工具。
	KindBuiltin Kind = "builtin"
)

// Descriptor 是暴露给模型的工具描述，Parameters 为 JSON Schema。
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	// Server 为提供该工具的服务器 ID，内置工具为空。
	Server string `json:"-"`
}

// Handle 是注册表中的一个可调用工具。
type Handle interface {
	Descriptor() Descriptor
	Kind() Kind
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Registry 以名称索引全部可用工具，并保留注册顺序。
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
	order   []string
}

// NewRegistry 创建注册表并依次注册给定工具。
func NewRegistry(handles ...Handle) (*Registry, error) {
	r := &Registry{handles: make(map[string]Handle, len(handles))}
	for _, h := range handles {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册一个工具，名称重复时返回 ErrToolConflict。
func (r *Registry) Register(h Handle) error {
	if h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具不能为空")
	}
	name := h.Descriptor().Name
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具名称重复: %s", name), xerrors.WithMetadata("tool", name))
	}
	r.handles[name] = h
	r.order = append(r.order, name)
	return nil
}

// Len 返回工具数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Resolve 按名称查找工具。
func (r *Registry) Resolve(name string) (Handle, error) {
	if r != nil {
		r.mu.RLock()
		h, ok := r.handles[name]
		r.mu.RUnlock()
		if ok {
			return h, nil
		}
	}
	return nil, xerrors.New(CodeToolResolution, fmt.Sprintf("工具不存在: %s", name), xerrors.WithMetadata("tool", name))
}

// Invoke 解析并调用工具，执行失败统一包装为 ErrToolExecution。
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	h, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	out, err := h.Invoke(ctx, args)
	if err != nil {
		if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", xerrors.Wrap(CodeToolExecution, err, fmt.Sprintf("调用工具 %s 失败", name),
			xerrors.WithMetadata("tool", name), xerrors.WithMetadata("kind", string(h.Kind())))
	}
	return out, nil
}

// Descriptors 按注册顺序返回工具描述。
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handles[name].Descriptor())
	}
	return out
}

// LLMTools 将工具描述转换为模型可绑定的函数定义。
func (r *Registry) LLMTools() []llms.Tool {
	descs := r.Descriptors()
	tools := make([]llms.Tool, 0, len(descs))
	for _, d := range descs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// Subset 返回只包含指定名称的新注册表，不存在的名称被忽略。
func (r *Registry) Subset(names ...string) *Registry {
	sub := &Registry{handles: make(map[string]Handle)}
	if r == nil {
		return sub
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if h, ok := r.handles[name]; ok {
			if _, dup := sub.handles[name]; !dup {
				sub.handles[name] = h
				sub.order = append(sub.order, name)
			}
		}
	}
	return sub
}
