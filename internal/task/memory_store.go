package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ToolMind/internal/errors"
)

// MemoryStore 以内存方式保存运行状态，适合单机与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Get 返回运行。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Claim 将运行状态更新为 running。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return task.Clone(), ErrTaskCompleted
	case StatusRunning:
		return task.Clone(), ErrTaskConflict
	case StatusFailed:
		return task.Clone(), ErrTaskExhausted
	}
	if task.Attempts >= task.MaxRetries {
		return task.Clone(), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return task.Clone(), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusSucceeded
	task.Result = &result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记运行失败，非终态时回到 pending。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusPending
	if terminal {
		task.Status = StatusFailed
	}
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.Normalize()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			results = append(results, task.Clone())
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.Normalize()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || task.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if opts.UserID != "" && task.UserID != opts.UserID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (task.Result != nil) != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		fields := []string{task.ID, task.Query, task.LastError}
		if task.Result != nil {
			fields = append(fields, task.Result.Answer)
		}
		found := false
		for _, field := range fields {
			if strings.Contains(field, opts.Query) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
