package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"ToolMind/internal/agent"
	xerrors "ToolMind/internal/errors"
)

const (
	sseEventError = "error"
	sseEventDone  = "done"
)

// sseWriter 以 text/event-stream 格式逐条下发事件。
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "响应不支持流式输出")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// send 写出一帧，id 小于 0 时省略 id 行。
func (s *sseWriter) send(id int64, event string, data []byte) error {
	s.start()
	if id >= 0 {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", strconv.FormatInt(id, 10)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) sendJSON(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.send(-1, event, payload)
}

func (s *sseWriter) sendError(err error) error {
	return s.sendJSON(sseEventError, newErrorBody(err))
}

// relay 将智能体事件流转为 SSE。流开始前失败时返回普通错误响应，
// 之后的失败以 error 帧结束；成功时以携带结果的 done 帧结束。
func relay(w http.ResponseWriter, stream *agent.Stream) {
	sse, err := newSSEWriter(w)
	if err != nil {
		go func() { _, _ = stream.Drain(nil) }()
		writeError(w, err)
		return
	}

	events := stream.Events()
	first, ok := <-events
	if !ok {
		outcome, err := stream.Wait()
		if err != nil {
			writeError(w, err)
			return
		}
		_ = sse.sendJSON(sseEventDone, outcome)
		return
	}

	broken := sse.sendJSON(string(first.Type), first.Data) != nil
	outcome, err := stream.Drain(func(ev agent.Event) {
		if broken {
			return
		}
		broken = sse.sendJSON(string(ev.Type), ev.Data) != nil
	})
	if broken {
		return
	}
	if err != nil {
		_ = sse.sendError(err)
		return
	}
	_ = sse.sendJSON(sseEventDone, outcome)
}
