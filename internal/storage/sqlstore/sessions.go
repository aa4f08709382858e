package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/session"
)

// SessionRepository 将工作区会话保存在 workspace_sessions 表中，contexts 以 JSON 存储。
type SessionRepository struct {
	db *DB
}

var _ session.Store = (*SessionRepository)(nil)

// NewSessionRepository 创建会话仓库。
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create 写入一条会话，ID 冲突时返回 session.ErrConflict。
func (r *SessionRepository) Create(ctx context.Context, record *session.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	contexts := record.Contexts
	if contexts == nil {
		contexts = []session.Context{}
	}
	payload, err := json.Marshal(contexts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化会话内容失败")
	}

	_, err = r.db.db.ExecContext(ctx, `INSERT INTO workspace_sessions (id, title, user_id, agent, contexts, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, record.ID, record.Title, record.UserID, record.Agent, string(payload), record.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("会话已存在: %s", record.ID))
		}
		return storageError(err, "写入会话失败")
	}
	return nil
}

// Get 按 ID 查询会话。
func (r *SessionRepository) Get(ctx context.Context, id string) (*session.Record, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT id, title, user_id, agent, contexts, created_at
FROM workspace_sessions WHERE id = ?`, id)
	record, err := scanSession(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListByUser 返回用户最近的会话，按创建时间倒序。
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*session.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.db.QueryContext(ctx, `SELECT id, title, user_id, agent, contexts, created_at
FROM workspace_sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, storageError(err, "查询会话列表失败")
	}
	defer rows.Close()

	var records []*session.Record
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历会话列表失败")
	}
	return records, nil
}

// Close 不关闭共享的连接池。
func (r *SessionRepository) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Record, error) {
	var (
		record   session.Record
		contexts string
	)
	if err := row.Scan(&record.ID, &record.Title, &record.UserID, &record.Agent, &contexts, &record.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析会话失败")
	}
	if err := json.Unmarshal([]byte(contexts), &record.Contexts); err != nil {
		return nil, storageError(err, "解析会话内容失败")
	}
	return &record, nil
}
