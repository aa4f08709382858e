package agent

import (
	"context"
	"strings"
	"time"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
	"ToolMind/internal/session"
	"ToolMind/internal/tool"
	"ToolMind/pkg/logger"

	"github.com/google/uuid"
)

const (
	// DefaultName 是写入会话与用量记录的智能体名称。
	DefaultName = "ToolMindAgent"
	// DefaultMaxAttempts 是一次提交最多执行的规划-执行轮次。
	DefaultMaxAttempts = 3
	// DefaultPassScore 是自我评判通过所需的最低分。
	DefaultPassScore = 80

	defaultEventBuffer = 16
)

// Request 描述一次任务提交。
type Request struct {
	Query       string   `json:"query"`
	GuidePrompt string   `json:"guide_prompt,omitempty"`
	WebSearch   bool     `json:"web_search"`
	Plugins     []string `json:"plugins,omitempty"`
	MCPServers  []string `json:"mcp_servers,omitempty"`
}

// Validate 检查提交是否合法。
func (r Request) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务问题不能为空")
	}
	return nil
}

func (r Request) selection() tool.Selection {
	return tool.Selection{Plugins: r.Plugins, Servers: r.MCPServers, WebSearch: r.WebSearch}
}

// GuideRequest 描述引导提示词的生成请求。Feedback 非空时基于 GuidePrompt 与反馈重新生成。
type GuideRequest struct {
	Request
	Feedback string `json:"feedback,omitempty"`
}

// ModelSource 按调用方与用途提供模型，通常由 llm.Provider 实现。
type ModelSource interface {
	Model(ctx context.Context, caller llm.Caller, role llm.Role) (llm.ChatModel, error)
}

// ToolCatalog 在一次提交内解析工具，结束时释放连接，通常由 tool.Catalog 实现。
type ToolCatalog interface {
	Registry(ctx context.Context, sel tool.Selection) (*tool.Registry, error)
	Close() error
}

// CatalogFactory 为每次提交创建独立的工具目录。
type CatalogFactory func(caller llm.Caller) ToolCatalog

// Outcome 是一次提交被接受时的结果。
type Outcome struct {
	Answer    string `json:"answer"`
	Title     string `json:"title,omitempty"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
	Attempts  int    `json:"attempts"`
	Passed    bool   `json:"passed"`
	SessionID string `json:"session_id,omitempty"`
}

// Agent 负责任务拆解、逐步执行、总结与自我评判的完整循环。
type Agent struct {
	models      ModelSource
	sessions    session.Store
	catalogs    CatalogFactory
	evalTools   *tool.Registry
	name        string
	maxAttempts int
	passScore   int
	maxRounds   int
	buffer      int
	now         func() time.Time
	newID       func() string
	location    *time.Location
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxAttempts 设置最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithPassScore 设置评判通过分数。
func WithPassScore(score int) Option {
	return func(a *Agent) {
		if score > 0 && score <= 100 {
			a.passScore = score
		}
	}
}

// WithSessionStore 设置会话持久化。未设置时结果不落库。
func WithSessionStore(store session.Store) Option {
	return func(a *Agent) { a.sessions = store }
}

// WithCatalogFactory 设置工具目录的创建方式。
func WithCatalogFactory(factory CatalogFactory) Option {
	return func(a *Agent) {
		if factory != nil {
			a.catalogs = factory
		}
	}
}

// WithEvaluatorTools 设置评判模型可以使用的工具，通常是搜索。
func WithEvaluatorTools(handles ...tool.Handle) Option {
	return func(a *Agent) {
		registry, _ := tool.NewRegistry()
		for _, h := range handles {
			if h == nil {
				continue
			}
			_ = registry.Register(h)
		}
		a.evalTools = registry
	}
}

// WithEvaluatorRounds 设置评判阶段工具调用的最大轮数。
func WithEvaluatorRounds(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxRounds = n
		}
	}
}

// WithName 设置智能体名称。
func WithName(name string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(name) != "" {
			a.name = name
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDGenerator 替换会话 ID 的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// WithLocation 设置提示词中当前时间使用的时区。
func WithLocation(loc *time.Location) Option {
	return func(a *Agent) {
		if loc != nil {
			a.location = loc
		}
	}
}

// WithEventBuffer 设置事件通道的缓冲大小。
func WithEventBuffer(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.buffer = n
		}
	}
}

// New 创建 Agent。
func New(models ModelSource, opts ...Option) *Agent {
	a := &Agent{
		models:      models,
		catalogs:    func(caller llm.Caller) ToolCatalog { return tool.NewCatalog(caller.UserID) },
		name:        DefaultName,
		maxAttempts: DefaultMaxAttempts,
		passScore:   DefaultPassScore,
		maxRounds:   defaultEvaluatorRounds,
		buffer:      defaultEventBuffer,
		now:         time.Now,
		newID:       uuid.NewString,
		location:    time.Local,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Name 返回智能体名称。
func (a *Agent) Name() string { return a.name }

func (a *Agent) caller(c llm.Caller) llm.Caller {
	if c.Agent == "" {
		c.Agent = a.name
	}
	return c
}

// Submit 启动一次提交，事件通过返回的 Stream 依次投递。
// 取消 ctx 会在下一次事件发送、模型或工具调用时终止提交。
func (a *Agent) Submit(ctx context.Context, caller llm.Caller, req Request) *Stream {
	stream := newStream(a.buffer)
	if err := a.precheck(req); err != nil {
		stream.finish(nil, err)
		return stream
	}
	go a.run(ctx, a.caller(caller), req, stream)
	return stream
}

// GuidePrompt 流式生成引导提示词，思考过程不会下发。
func (a *Agent) GuidePrompt(ctx context.Context, caller llm.Caller, req GuideRequest) *Stream {
	stream := newStream(a.buffer)
	if err := a.precheck(req.Request); err != nil {
		stream.finish(nil, err)
		return stream
	}
	go func() {
		outcome, err := a.generateGuide(ctx, a.caller(caller), req, emitter{ctx: ctx, ch: stream.events})
		if err != nil {
			logger.Named("agent").Warn("生成引导提示词失败", "user_id", caller.UserID, "error", err)
		}
		stream.finish(outcome, err)
	}()
	return stream
}

func (a *Agent) precheck(req Request) error {
	if a.models == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置模型")
	}
	return req.Validate()
}

func (a *Agent) currentTime() string {
	return a.now().In(a.location).Format("2006-01-02 15:04:05")
}
