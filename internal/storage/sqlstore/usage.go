package sqlstore

import (
	"context"
	"time"

	"ToolMind/internal/llm"

	"github.com/google/uuid"
)

// UsageRepository 记录每次模型调用的 token 消耗。
type UsageRepository struct {
	db    *DB
	now   func() time.Time
	newID func() string
}

var _ llm.UsageRecorder = (*UsageRepository)(nil)

// NewUsageRepository 创建用量仓库。
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now, newID: uuid.NewString}
}

// RecordUsage 实现 llm.UsageRecorder。
func (r *UsageRepository) RecordUsage(ctx context.Context, record llm.UsageRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = r.now().Unix()
	}
	_, err := r.db.db.ExecContext(ctx, `INSERT INTO usage_stats
(id, user_id, agent, model, role, input_tokens, output_tokens, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.newID(), record.UserID, record.Agent, record.Model, string(record.Role),
		record.InputTokens, record.OutputTokens, record.CreatedAt)
	return storageError(err, "写入用量记录失败")
}

// UsageSummary 是按模型聚合的用量。
type UsageSummary struct {
	Model        string `json:"model"`
	Agent        string `json:"agent"`
	Calls        int64  `json:"calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Summary 汇总用户自 since 起的用量，since 为零值时不限制时间。
func (r *UsageRepository) Summary(ctx context.Context, userID string, since time.Time) ([]UsageSummary, error) {
	var from int64
	if !since.IsZero() {
		from = since.Unix()
	}
	rows, err := r.db.db.QueryContext(ctx, `SELECT model, agent, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
FROM usage_stats WHERE user_id = ? AND created_at >= ?
GROUP BY model, agent ORDER BY model, agent`, userID, from)
	if err != nil {
		return nil, storageError(err, "查询用量失败")
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var s UsageSummary
		if err := rows.Scan(&s.Model, &s.Agent, &s.Calls, &s.InputTokens, &s.OutputTokens); err != nil {
			return nil, storageError(err, "解析用量失败")
		}
		out = append(out, s)
	}
	return out, storageError(rows.Err(), "遍历用量失败")
}
