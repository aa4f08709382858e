package plan

import (
	"encoding/json"

	xerrors "ToolMind/internal/errors"
)

const (
	// CodeValidation 表示步骤定义缺少必要字段或类型不符。
	CodeValidation xerrors.Code = "STEP_VALIDATION_FAILED"
	// CodeDecomposition 表示模型输出无法解析为任务拆解，且修复后依旧失败。
	CodeDecomposition xerrors.Code = "DECOMPOSITION_FAILED"
	// CodeCyclicDependency 表示步骤依赖存在环，无法确定执行顺序。
	CodeCyclicDependency xerrors.Code = "CYCLIC_OR_UNRESOLVED_DEPENDENCY"
)

var (
	// ErrValidation 用于 errors.Is 判断步骤校验失败。
	ErrValidation = xerrors.New(CodeValidation, "步骤定义不合法")
	// ErrDecomposition 用于 errors.Is 判断任务拆解失败。
	ErrDecomposition = xerrors.New(CodeDecomposition, "任务拆解失败")
	// ErrCyclicDependency 用于 errors.Is 判断依赖无法排序。
	ErrCyclicDependency = xerrors.New(CodeCyclicDependency, "步骤依赖存在环")
)

func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "step specification is invalid",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDecomposition, xerrors.Attributes{
		Message:  "task decomposition failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeCyclicDependency, xerrors.Attributes{
		Message:  "step dependencies cannot be ordered",
		Severity: xerrors.SeverityWarning,
	})
}

// UserQueryTitle 是展示依赖图时代表原始问题的虚拟根节点。
const UserQueryTitle = "用户问题"

// Step 描述一个步骤的定义与执行状态，字段名与模型输出保持一致。
type Step struct {
	StepID       string   `json:"step_id"`
	Title        string   `json:"title"`
	Thought      string   `json:"thought"`
	Target       string   `json:"target"`
	Workflow     any      `json:"workflow"`
	Precautions  string   `json:"precautions"`
	InputThought string   `json:"input_thought"`
	Input        []string `json:"input"`
	Result       string   `json:"result"`
}

// Clone 返回步骤的副本，Input 切片不与原步骤共享。
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Input = append([]string(nil), s.Input...)
	return &clone
}

// Decomposition 是模型输出的任务拆解文档，步骤保留原始 JSON 以便逐项校验。
type Decomposition struct {
	Steps []json.RawMessage `json:"steps"`
}

// Edge 是依赖图中的一条展示边，两端均为步骤标题。
type Edge struct {
	Start string `json:"start"`
	End   string `json:"end"`
}
