package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ToolMind/internal/agent"
	xerrors "ToolMind/internal/errors"
	"ToolMind/pkg/logger"
)

// DefaultMaxRetries 是未配置时单个运行最多被领取的次数。
const DefaultMaxRetries = 3

// Submission 描述一次异步提交。ID 为空时自动生成；重复提交同一 ID 返回已有运行。
type Submission struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"-"`
	agent.Request
}

// Service 负责运行的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	events     EventLog
	maxRetries int
	newID      func() string
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, events EventLog, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, events: events, maxRetries: maxRetries, newID: uuid.NewString}
}

// Submit 创建一个新的运行并推送到队列。
func (s *Service) Submit(ctx context.Context, sub Submission) (*Task, error) {
	if err := sub.Request.Validate(); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	runID := strings.TrimSpace(sub.ID)
	if runID != "" {
		existing, err := s.store.Get(ctx, runID)
		if err == nil {
			if existing.UserID != sub.UserID {
				return nil, xerrors.New(xerrors.CodePermissionDenied, "运行 ID 已被占用")
			}
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		runID = s.newID()
	}

	req := sub.Request
	task := &Task{
		ID:          runID,
		UserID:      sub.UserID,
		Query:       req.Query,
		GuidePrompt: req.GuidePrompt,
		WebSearch:   req.WebSearch,
		Plugins:     cloneStrings(req.Plugins),
		MCPServers:  cloneStrings(req.MCPServers),
		Status:      StatusPending,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, runID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", runID),
		slog.String("user_id", task.UserID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// GetOwned 返回运行，非提交者访问时返回 PERMISSION_DENIED。
func (s *Service) GetOwned(ctx context.Context, id, userID string) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, xerrors.New(xerrors.CodePermissionDenied, fmt.Sprintf("无权访问运行 %s", id))
	}
	return task, nil
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts))
}

// Events 返回运行自 from 起的事件记录。
func (s *Service) Events(ctx context.Context, id string, from int64) ([]EventRecord, error) {
	if s.events == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "事件日志未初始化")
	}
	return s.events.Range(ctx, id, from)
}

// Follow 依次回放运行事件，直到读到终态记录或 ctx 取消。fn 返回错误时立即停止。
func (s *Service) Follow(ctx context.Context, id string, from int64, interval time.Duration, fn func(EventRecord) error) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := from
	for {
		records, err := s.Events(ctx, id, next)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return err
			}
			next = rec.Seq + 1
			if rec.Terminal() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.events != nil {
		errs = append(errs, s.events.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询运行状态直到进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
