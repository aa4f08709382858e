package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
)

// ModelConfigRepository 保存用户按角色覆盖的模型配置。
type ModelConfigRepository struct {
	db  *DB
	now func() time.Time
}

var _ llm.UserConfigStore = (*ModelConfigRepository)(nil)

// NewModelConfigRepository 创建模型配置仓库。
func NewModelConfigRepository(db *DB) *ModelConfigRepository {
	return &ModelConfigRepository{db: db, now: time.Now}
}

// Upsert 写入或替换用户在某个角色上的模型配置。
func (r *ModelConfigRepository) Upsert(ctx context.Context, userID string, role llm.Role, cfg llm.ModelConfig) error {
	if strings.TrimSpace(userID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户不能为空")
	}
	if !role.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的模型角色: "+string(role))
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模型名称不能为空")
	}
	_, err := r.db.db.ExecContext(ctx, `REPLACE INTO user_model_configs
(user_id, role, model, base_url, api_key, timeout_seconds, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, string(role), cfg.Model, cfg.BaseURL, cfg.APIKey, int(cfg.Timeout/time.Second), r.now().Unix())
	return storageError(err, "保存模型配置失败")
}

// Delete 删除用户在某个角色上的覆盖，之后回退到系统默认。
func (r *ModelConfigRepository) Delete(ctx context.Context, userID string, role llm.Role) error {
	_, err := r.db.db.ExecContext(ctx, `DELETE FROM user_model_configs WHERE user_id = ? AND role = ?`, userID, string(role))
	return storageError(err, "删除模型配置失败")
}

// ModelConfigFor 实现 llm.UserConfigStore，未配置时返回 nil, nil。
func (r *ModelConfigRepository) ModelConfigFor(ctx context.Context, userID string, role llm.Role) (*llm.ModelConfig, error) {
	var (
		cfg     llm.ModelConfig
		timeout int
	)
	err := r.db.db.QueryRowContext(ctx, `SELECT model, base_url, api_key, timeout_seconds
FROM user_model_configs WHERE user_id = ? AND role = ?`, userID, string(role)).
		Scan(&cfg.Model, &cfg.BaseURL, &cfg.APIKey, &timeout)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "查询模型配置失败")
	}
	cfg.Timeout = time.Duration(timeout) * time.Second
	return &cfg, nil
}

// ListByUser 返回用户的全部覆盖配置，API Key 不会被清空，由调用方决定是否脱敏。
func (r *ModelConfigRepository) ListByUser(ctx context.Context, userID string) (map[llm.Role]llm.ModelConfig, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT role, model, base_url, api_key, timeout_seconds
FROM user_model_configs WHERE user_id = ?`, userID)
	if err != nil {
		return nil, storageError(err, "查询模型配置失败")
	}
	defer rows.Close()

	out := make(map[llm.Role]llm.ModelConfig)
	for rows.Next() {
		var (
			role    string
			cfg     llm.ModelConfig
			timeout int
		)
		if err := rows.Scan(&role, &cfg.Model, &cfg.BaseURL, &cfg.APIKey, &timeout); err != nil {
			return nil, storageError(err, "解析模型配置失败")
		}
		cfg.Timeout = time.Duration(timeout) * time.Second
		out[llm.Role(role)] = cfg
	}
	return out, storageError(rows.Err(), "遍历模型配置失败")
}
