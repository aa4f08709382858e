package session

import (
	"context"
	"fmt"
	"strings"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/plan"
)

// Context 记录一次被接受的尝试：原始问题、引导提示词、步骤状态、依赖图与最终回答。
type Context struct {
	Query       string      `json:"query"`
	GuidePrompt string      `json:"guide_prompt"`
	Task        []plan.Step `json:"task"`
	TaskGraph   []plan.Edge `json:"task_graph"`
	Answer      string      `json:"answer"`
}

// Record 是一次提交对应的工作区会话。
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"user_id"`
	Agent     string    `json:"agent"`
	Contexts  []Context `json:"contexts"`
	CreatedAt int64     `json:"created_at"`
}

// Store 持久化会话记录。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)
	Close() error
}

var (
	// ErrNotFound 表示会话不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "会话不存在")
	// ErrConflict 表示会话 ID 已存在。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "会话已存在")
)

// Validate 检查记录是否可以写入。
func (r *Record) Validate() error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	if strings.TrimSpace(r.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话所属用户不能为空")
	}
	return nil
}

// Clone 返回深拷贝，避免调用方修改存储中的数据。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Contexts = make([]Context, len(r.Contexts))
	for i, c := range r.Contexts {
		c.Task = append([]plan.Step(nil), c.Task...)
		for j := range c.Task {
			c.Task[j].Input = append([]string(nil), c.Task[j].Input...)
		}
		c.TaskGraph = append([]plan.Edge(nil), c.TaskGraph...)
		clone.Contexts[i] = c
	}
	return &clone
}

// GetOwned 查询会话并校验所属用户，非本人访问返回 PERMISSION_DENIED。
func GetOwned(ctx context.Context, store Store, id, userID string) (*Record, error) {
	record, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, xerrors.New(xerrors.CodePermissionDenied, fmt.Sprintf("无权访问会话: %s", id),
			xerrors.WithMetadata("session_id", id))
	}
	return record, nil
}
