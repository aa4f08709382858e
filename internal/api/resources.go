package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ToolMind/internal/auth"
	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
	"ToolMind/internal/session"
	"ToolMind/internal/tool"
)

const defaultSessionLimit = 20

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, unavailable("会话存储"))
		return
	}
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.sessions.ListByUser(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*session.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, unavailable("会话存储"))
		return
	}
	record, err := session.GetOwned(r.Context(), s.sessions, r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, unavailable("用量统计"))
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "since 必须是 Unix 秒或 RFC3339 时间"))
			return
		}
		since = ts
	}
	summary, err := s.usage.Summary(r.Context(), auth.UserID(r.Context()), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if summary == nil {
		writeJSON(w, http.StatusOK, map[string]any{"usage": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": summary})
}

// modelConfigPayload 是模型配置接口的请求与响应格式，超时以秒计。
type modelConfigPayload struct {
	Role           llm.Role `json:"role"`
	Model          string   `json:"model"`
	BaseURL        string   `json:"base_url"`
	APIKey         string   `json:"api_key,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleListModelConfigs(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, unavailable("模型配置"))
		return
	}
	configs, err := s.models.ListByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]modelConfigPayload, 0, len(configs))
	for _, role := range llm.Roles() {
		cfg, ok := configs[role]
		if !ok {
			continue
		}
		out = append(out, modelConfigPayload{
			Role:           role,
			Model:          cfg.Model,
			BaseURL:        cfg.BaseURL,
			APIKey:         maskSecret(cfg.APIKey),
			TimeoutSeconds: int(cfg.Timeout / time.Second),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": out})
}

func (s *Server) handlePutModelConfig(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, unavailable("模型配置"))
		return
	}
	var body modelConfigPayload
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !body.Role.Valid() {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的模型角色: "+string(body.Role)))
		return
	}
	if strings.TrimSpace(body.Model) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "model 不能为空"))
		return
	}
	if body.TimeoutSeconds < 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "timeout_seconds 不能为负数"))
		return
	}
	cfg := llm.ModelConfig{
		Model:   strings.TrimSpace(body.Model),
		BaseURL: strings.TrimSpace(body.BaseURL),
		APIKey:  body.APIKey,
		Timeout: time.Duration(body.TimeoutSeconds) * time.Second,
	}
	if err := s.models.Upsert(r.Context(), auth.UserID(r.Context()), body.Role, cfg); err != nil {
		writeError(w, err)
		return
	}
	body.APIKey = maskSecret(body.APIKey)
	writeJSON(w, http.StatusOK, body)
}

// handleDeleteModelConfig 删除调用方对某个角色的覆盖，之后回落到系统默认模型。
func (s *Server) handleDeleteModelConfig(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, unavailable("模型配置"))
		return
	}
	role := llm.Role(r.PathValue("role"))
	if !role.Valid() {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的模型角色: "+string(role)))
		return
	}
	if err := s.models.Delete(r.Context(), auth.UserID(r.Context()), role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegisterServer 注册或更新调用方拥有的工具服务器。
func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	if s.servers == nil {
		writeError(w, unavailable("工具服务器注册"))
		return
	}
	var desc tool.ServerDescriptor
	if err := decodeBody(w, r, &desc); err != nil {
		writeError(w, err)
		return
	}
	switch desc.Transport {
	case "", tool.TransportSSE, tool.TransportStreamableHTTP:
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的传输方式: "+string(desc.Transport)))
		return
	}
	userID := auth.UserID(r.Context())
	existing, err := s.servers.Server(r.Context(), desc.ID)
	switch {
	case err == nil && existing.OwnerID != userID:
		writeError(w, xerrors.New(xerrors.CodePermissionDenied, "工具服务器已被其他用户注册: "+desc.ID))
		return
	case err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound:
		writeError(w, err)
		return
	}
	desc.OwnerID = userID
	if err := s.servers.Save(r.Context(), desc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

// handlePutToolConfig 保存调用方对某个工具服务器的私有参数。
func (s *Server) handlePutToolConfig(w http.ResponseWriter, r *http.Request) {
	if s.servers == nil {
		writeError(w, unavailable("工具服务器注册"))
		return
	}
	id := r.PathValue("id")
	userID := auth.UserID(r.Context())
	desc, err := s.servers.Server(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !desc.AccessibleBy(userID) {
		writeError(w, xerrors.New(xerrors.CodePermissionDenied, "无权配置工具服务器: "+id))
		return
	}
	var config map[string]any
	if err := decodeBody(w, r, &config); err != nil {
		writeError(w, err)
		return
	}
	if err := s.servers.SetToolConfig(r.Context(), userID, id, config); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maskSecret 只保留末尾四位。
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	if len(runes) <= 4 {
		return "****"
	}
	return "****" + string(runes[len(runes)-4:])
}
