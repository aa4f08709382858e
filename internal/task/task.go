package task

import (
	stdErrors "errors"

	"ToolMind/internal/agent"
	xerrors "ToolMind/internal/errors"
)

// Status 表示异步运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态，终态的运行不会再被领取。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Result 保存一次运行被接受的结果。
type Result struct {
	Answer    string `json:"answer"`
	Title     string `json:"title,omitempty"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
	Attempts  int    `json:"attempts"`
	Passed    bool   `json:"passed"`
	SessionID string `json:"session_id,omitempty"`
}

// ResultFromOutcome 把智能体的结果转换为持久化结构。
func ResultFromOutcome(o *agent.Outcome) Result {
	if o == nil {
		return Result{}
	}
	return Result{
		Answer:    o.Answer,
		Title:     o.Title,
		Score:     o.Score,
		Reasoning: o.Reasoning,
		Attempts:  o.Attempts,
		Passed:    o.Passed,
		SessionID: o.SessionID,
	}
}

// Task 描述一次排队执行的提交。Attempts 统计的是队列层面的领取次数，
// 与智能体内部的规划-执行轮次无关。
type Task struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	Query       string   `json:"query"`
	GuidePrompt string   `json:"guide_prompt,omitempty"`
	WebSearch   bool     `json:"web_search"`
	Plugins     []string `json:"plugins,omitempty"`
	MCPServers  []string `json:"mcp_servers,omitempty"`
	Status      Status   `json:"status"`
	Attempts    int      `json:"attempts"`
	MaxRetries  int      `json:"max_retries"`
	LastError   string   `json:"last_error,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	Result      *Result  `json:"result,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Request 还原出提交给智能体的请求。
func (t *Task) Request() agent.Request {
	return agent.Request{
		Query:       t.Query,
		GuidePrompt: t.GuidePrompt,
		WebSearch:   t.WebSearch,
		Plugins:     cloneStrings(t.Plugins),
		MCPServers:  cloneStrings(t.MCPServers),
	}
}

// Clone 返回深拷贝，存储实现用它隔离调用方的修改。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Plugins = cloneStrings(t.Plugins)
	clone.MCPServers = cloneStrings(t.MCPServers)
	if t.Result != nil {
		result := *t.Result
		clone.Result = &result
	}
	return &clone
}

var (
	// ErrTaskNotFound 表示指定的运行不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示运行已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示运行已失败且不会再重试。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的运行错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
