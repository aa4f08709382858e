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
	"ToolMind/internal/tool"
)

// MCPServerRepository 保存用户注册的工具服务器及其私有配置。
type MCPServerRepository struct {
	db  *DB
	now func() time.Time
}

var (
	_ tool.ServerStore     = (*MCPServerRepository)(nil)
	_ tool.UserConfigStore = (*MCPServerRepository)(nil)
)

// NewMCPServerRepository 创建工具服务器仓库。
func NewMCPServerRepository(db *DB) *MCPServerRepository {
	return &MCPServerRepository{db: db, now: time.Now}
}

// Save 写入或替换工具服务器。
func (r *MCPServerRepository) Save(ctx context.Context, server tool.ServerDescriptor) error {
	if strings.TrimSpace(server.ID) == "" || strings.TrimSpace(server.URL) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具服务器的 ID 与地址不能为空")
	}
	if server.Transport == "" {
		server.Transport = tool.TransportSSE
	}
	headers, err := json.Marshal(nonNilMap(server.Headers))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求头失败")
	}
	tools := server.Tools
	if tools == nil {
		tools = []string{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工具列表失败")
	}
	public := 0
	if server.Public {
		public = 1
	}

	_, err = r.db.db.ExecContext(ctx, `REPLACE INTO mcp_servers
(id, name, url, transport, headers, tools, owner_id, is_public, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, server.URL, string(server.Transport), string(headers), string(toolsJSON),
		server.OwnerID, public, r.now().Unix())
	return storageError(err, "保存工具服务器失败")
}

// Server 实现 tool.ServerStore。
func (r *MCPServerRepository) Server(ctx context.Context, id string) (*tool.ServerDescriptor, error) {
	var (
		server    tool.ServerDescriptor
		transport string
		headers   string
		tools     string
		public    int
	)
	err := r.db.db.QueryRowContext(ctx, `SELECT id, name, url, transport, headers, tools, owner_id, is_public
FROM mcp_servers WHERE id = ?`, id).
		Scan(&server.ID, &server.Name, &server.URL, &transport, &headers, &tools, &server.OwnerID, &public)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工具服务器不存在: %s", id))
	}
	if err != nil {
		return nil, storageError(err, "查询工具服务器失败")
	}
	server.Transport = tool.Transport(transport)
	server.Public = public != 0
	if err := json.Unmarshal([]byte(headers), &server.Headers); err != nil {
		return nil, storageError(err, "解析请求头失败")
	}
	if err := json.Unmarshal([]byte(tools), &server.Tools); err != nil {
		return nil, storageError(err, "解析工具列表失败")
	}
	if len(server.Tools) == 0 {
		server.Tools = nil
	}
	return &server, nil
}

// SetToolConfig 保存用户对某个服务器的私有参数，如访问令牌。
func (r *MCPServerRepository) SetToolConfig(ctx context.Context, userID, serverID string, config map[string]any) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(serverID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户与服务器不能为空")
	}
	payload, err := json.Marshal(nonNilMap(config))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工具配置失败")
	}
	_, err = r.db.db.ExecContext(ctx, `REPLACE INTO mcp_user_configs (user_id, server_id, config, updated_at) VALUES (?, ?, ?, ?)`,
		userID, serverID, string(payload), r.now().Unix())
	return storageError(err, "保存工具配置失败")
}

// ToolConfig 实现 tool.UserConfigStore，未配置时返回空 map。
func (r *MCPServerRepository) ToolConfig(ctx context.Context, userID, serverID string) (map[string]any, error) {
	var payload string
	err := r.db.db.QueryRowContext(ctx, `SELECT config FROM mcp_user_configs WHERE user_id = ? AND server_id = ?`,
		userID, serverID).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, storageError(err, "查询工具配置失败")
	}
	config := map[string]any{}
	if err := json.Unmarshal([]byte(payload), &config); err != nil {
		return nil, storageError(err, "解析工具配置失败")
	}
	return config, nil
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
