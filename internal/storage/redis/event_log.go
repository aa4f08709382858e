package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/task"
)

const defaultKeyPrefix = "toolmind:run-events:"

// Config 描述事件日志使用的 Redis 连接。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// EventLog 以 Redis list 保存每个运行的事件，下标即事件序号。
type EventLog struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ task.EventLog = (*EventLog)(nil)

// NewEventLog 建立连接并校验可用性。
func NewEventLog(ctx context.Context, cfg Config) (*EventLog, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewEventLogFromClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewEventLogFromClient 复用已有连接；ttl 为 0 时日志不过期。
func NewEventLogFromClient(client *goredis.Client, prefix string, ttl time.Duration) *EventLog {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &EventLog{client: client, prefix: prefix, ttl: ttl}
}

func (l *EventLog) key(runID string) string { return l.prefix + runID }

// Append 追加一条记录，序号取 RPUSH 之后的列表长度减一。
func (l *EventLog) Append(ctx context.Context, runID string, record task.EventRecord) (int64, error) {
	if runID == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	record.Seq = 0
	payload, err := json.Marshal(record)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化事件失败")
	}
	key := l.key(runID)
	pipe := l.client.TxPipeline()
	push := pipe.RPush(ctx, key, payload)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件日志失败")
	}
	return push.Val() - 1, nil
}

// Range 返回序号不小于 from 的记录。
func (l *EventLog) Range(ctx context.Context, runID string, from int64) ([]task.EventRecord, error) {
	if from < 0 {
		from = 0
	}
	values, err := l.client.LRange(ctx, l.key(runID), from, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件日志失败")
	}
	out := make([]task.EventRecord, 0, len(values))
	for i, raw := range values {
		var rec task.EventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件日志失败")
		}
		rec.Seq = from + int64(i)
		out = append(out, rec)
	}
	return out, nil
}

// Close 关闭连接。
func (l *EventLog) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
