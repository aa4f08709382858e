package task

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "ToolMind/internal/errors"
)

// EventRunStatus 是处理器追加的运行状态事件，其余事件类型来自智能体。
const EventRunStatus = "run_status"

// EventRecord 是事件日志中的一条记录，Data 保留原始 JSON 以便原样回放。
type EventRecord struct {
	Seq  int64           `json:"seq"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	At   int64           `json:"at"`
}

// RunStatusData 是 run_status 事件的负载。
type RunStatusData struct {
	Status    Status  `json:"status"`
	Attempt   int     `json:"attempt"`
	Error     string  `json:"error,omitempty"`
	ErrorCode string  `json:"error_code,omitempty"`
	Result    *Result `json:"result,omitempty"`
}

// Terminal 判断记录是否标志着运行结束。
func (r EventRecord) Terminal() bool {
	if r.Type != EventRunStatus {
		return false
	}
	var data RunStatusData
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return false
	}
	return data.Status.Terminal()
}

// EventLog 按运行保存有序事件，供断线后回放。
type EventLog interface {
	// Append 追加一条记录并返回分配的序号，序号从 0 开始连续递增。
	Append(ctx context.Context, runID string, record EventRecord) (int64, error)
	// Range 返回序号不小于 from 的全部记录。
	Range(ctx context.Context, runID string, from int64) ([]EventRecord, error)
	Close() error
}

// MemoryEventLog 是进程内的事件日志。
type MemoryEventLog struct {
	mu   sync.RWMutex
	runs map[string][]EventRecord
}

// NewMemoryEventLog 创建内存事件日志。
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{runs: make(map[string][]EventRecord)}
}

// Append 实现 EventLog。
func (l *MemoryEventLog) Append(_ context.Context, runID string, record EventRecord) (int64, error) {
	if runID == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record.Seq = int64(len(l.runs[runID]))
	l.runs[runID] = append(l.runs[runID], record)
	return record.Seq, nil
}

// Range 实现 EventLog。
func (l *MemoryEventLog) Range(_ context.Context, runID string, from int64) ([]EventRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	records := l.runs[runID]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(records)) {
		return nil, nil
	}
	out := make([]EventRecord, len(records)-int(from))
	copy(out, records[from:])
	return out, nil
}

// Close 对内存日志无需操作。
func (l *MemoryEventLog) Close() error { return nil }

var _ EventLog = (*MemoryEventLog)(nil)
