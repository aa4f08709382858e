package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/task"
)

// RunRepository 使用 run_states 表记录异步运行的状态。
type RunRepository struct {
	db  *DB
	now func() time.Time
}

var _ task.Store = (*RunRepository)(nil)

// NewRunRepository 创建运行仓库。
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db, now: time.Now}
}

const runColumns = `id, user_id, query_text, guide_prompt, web_search, plugins, mcp_servers, status, attempts, max_retries,
last_error, error_code, result, created_at, updated_at`

// Create 插入新的运行记录。
func (r *RunRepository) Create(ctx context.Context, t *task.Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	now := r.now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	plugins, err := marshalStrings(t.Plugins)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码插件列表失败")
	}
	servers, err := marshalStrings(t.MCPServers)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具服务器列表失败")
	}
	webSearch := 0
	if t.WebSearch {
		webSearch = 1
	}

	_, err = r.db.db.ExecContext(ctx, `INSERT INTO run_states (`+runColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`,
		t.ID, t.UserID, t.Query, t.GuidePrompt, webSearch, plugins, servers,
		string(t.Status), t.Attempts, t.MaxRetries, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return task.ErrTaskConflict
		}
		return storageError(err, "插入运行失败")
	}
	return nil
}

// Get 查询指定运行。
func (r *RunRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_states WHERE id = ?`, id)
	t, err := scanRun(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询运行失败")
	}
	return t, nil
}

// Claim 以条件更新的方式领取运行，保证并发下只有一个 worker 成功。
func (r *RunRepository) Claim(ctx context.Context, id string) (*task.Task, error) {
	res, err := r.db.db.ExecContext(ctx, `UPDATE run_states
SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
WHERE id = ? AND status = ? AND attempts < max_retries`,
		string(task.StatusRunning), r.now().Unix(), id, string(task.StatusPending))
	if err != nil {
		return nil, storageError(err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storageError(err, "获取影响行数失败")
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return current, nil
	}
	switch current.Status {
	case task.StatusSucceeded:
		return current, task.ErrTaskCompleted
	case task.StatusRunning:
		return current, task.ErrTaskConflict
	default:
		return current, task.ErrTaskExhausted
	}
}

// MarkSucceeded 将运行标记为成功。
func (r *RunRepository) MarkSucceeded(ctx context.Context, id string, result task.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行结果失败")
	}
	res, err := r.db.db.ExecContext(ctx, `UPDATE run_states
SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`,
		string(task.StatusSucceeded), string(payload), r.now().Unix(), id)
	if err != nil {
		return storageError(err, "标记运行成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终态时回到 pending。
func (r *RunRepository) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := task.StatusPending
	if terminal {
		status = task.StatusFailed
	}
	res, err := r.db.db.ExecContext(ctx, `UPDATE run_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, string(code), r.now().Unix(), id)
	if err != nil {
		return storageError(err, "标记运行失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的运行。
func (r *RunRepository) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	opts.Normalize()

	query := `SELECT ` + runColumns + ` FROM run_states`
	clause, args := buildRunFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == task.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询运行列表失败")
	}
	defer rows.Close()

	out := make([]*task.Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanRun(rows)
		if err != nil {
			return nil, storageError(err, "解析运行记录失败")
		}
		out = append(out, t)
	}
	return out, storageError(rows.Err(), "遍历运行失败")
}

// Stats 返回符合过滤条件的运行聚合信息。
func (r *RunRepository) Stats(ctx context.Context, opts task.ListOptions) (task.TaskStats, error) {
	opts.Normalize()

	query := `SELECT
COUNT(*),
COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
COALESCE(MIN(updated_at), 0),
COALESCE(MAX(updated_at), 0)
FROM run_states`
	clause, filterArgs := buildRunFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(task.StatusPending), string(task.StatusRunning), string(task.StatusSucceeded), string(task.StatusFailed)}
	args = append(args, filterArgs...)

	var stats task.TaskStats
	err := r.db.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	)
	if err != nil {
		return task.TaskStats{}, storageError(err, "查询运行统计失败")
	}
	return stats, nil
}

// Close 不关闭共享连接，连接由 DB 的持有者释放。
func (r *RunRepository) Close() error { return nil }

func scanRun(row rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		webSearch int
		plugins   string
		servers   string
		result    sql.NullString
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Query, &t.GuidePrompt, &webSearch, &plugins, &servers,
		&status, &t.Attempts, &t.MaxRetries, &t.LastError, &t.ErrorCode, &result, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.WebSearch = webSearch != 0
	if err := unmarshalStrings(plugins, &t.Plugins); err != nil {
		return nil, err
	}
	if err := unmarshalStrings(servers, &t.MCPServers); err != nil {
		return nil, err
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var res task.Result
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, err
		}
		t.Result = &res
	}
	return &t, nil
}

func buildRunFilter(opts task.ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "result IS NOT NULL")
		} else {
			conditions = append(conditions, "result IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR query_text LIKE ? OR last_error LIKE ? OR result LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}
	return strings.Join(conditions, " AND "), args
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	return string(raw), err
}

func unmarshalStrings(raw string, dst *[]string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return err
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}
