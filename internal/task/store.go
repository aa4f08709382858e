package task

import (
	"context"

	xerrors "ToolMind/internal/errors"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把待执行的运行切换为 running 并增加领取次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	// MarkFailed 记录失败原因；terminal 为 false 时运行回到 pending 等待重新领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
