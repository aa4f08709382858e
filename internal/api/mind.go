package api

import (
	"net/http"
	"strings"

	"ToolMind/internal/agent"
	xerrors "ToolMind/internal/errors"
)

// handleGuidePrompt 流式生成引导提示词。
func (s *Server) handleGuidePrompt(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, unavailable("智能体"))
		return
	}
	var req agent.GuideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Feedback = ""
	relay(w, s.agent.GuidePrompt(r.Context(), s.caller(r), req))
}

// handleGuideFeedback 根据用户反馈改写已有的引导提示词。
func (s *Server) handleGuideFeedback(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, unavailable("智能体"))
		return
	}
	var req agent.GuideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "feedback 不能为空"))
		return
	}
	relay(w, s.agent.GuidePrompt(r.Context(), s.caller(r), req))
}

// handlePlan 只拆解任务，返回步骤与依赖图。
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, unavailable("智能体"))
		return
	}
	var req agent.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	preview, err := s.agent.Plan(r.Context(), s.caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// handleTaskStart 同步执行一次提交，进度以 SSE 下发。
func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, unavailable("智能体"))
		return
	}
	var req agent.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	relay(w, s.agent.Submit(r.Context(), s.caller(r), req))
}
