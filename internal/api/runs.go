package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ToolMind/internal/auth"
	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/task"
)

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, unavailable("异步运行"))
		return
	}
	var sub task.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		writeError(w, err)
		return
	}
	sub.UserID = auth.UserID(r.Context())
	run, err := s.runs.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns 列出调用方自己的运行，支持 status、q、limit、offset、order、
// has_result、since 与 until 过滤。
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, unavailable("异步运行"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, unavailable("异步运行"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, unavailable("异步运行"))
		return
	}
	run, err := s.runs.GetOwned(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents 以 SSE 回放运行事件，直到运行进入终态。
// 续传位置取 from 参数，其次是 Last-Event-ID 的下一条。
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, unavailable("异步运行"))
		return
	}
	id := r.PathValue("id")
	if _, err := s.runs.GetOwned(r.Context(), id, auth.UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	from, err := resumePosition(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	sse.start()
	sse.flusher.Flush()

	err = s.runs.Follow(r.Context(), id, from, s.followInterval, func(rec task.EventRecord) error {
		return sse.send(rec.Seq, rec.Type, rec.Data)
	})
	if err != nil && r.Context().Err() == nil {
		s.log.Warn("回放运行事件失败", "run_id", id, "error", err)
		_ = sse.sendError(err)
	}
}

func resumePosition(r *http.Request) (int64, error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		from, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || from < 0 {
			return 0, xerrors.New(xerrors.CodeInvalidArgument, "from 必须是非负整数")
		}
		return from, nil
	}
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" {
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || last < 0 {
			return 0, xerrors.New(xerrors.CodeInvalidArgument, "Last-Event-ID 非法")
		}
		return last + 1, nil
	}
	return 0, nil
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	opts := []task.ListOption{task.WithUserID(auth.UserID(r.Context()))}

	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的运行状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	for key, apply := range map[string]func(int) task.ListOption{
		"limit":  task.WithLimit,
		"offset": task.WithOffset,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
		}
		opts = append(opts, apply(n))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 只能是 asc 或 desc")
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"since": task.WithUpdatedSince,
		"until": task.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := parseTime(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是 Unix 秒或 RFC3339 时间")
		}
		opts = append(opts, apply(ts))
	}
	return opts, nil
}

func parseTime(raw string) (time.Time, error) {
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}
