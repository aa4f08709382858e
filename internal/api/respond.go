package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"
	"strings"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/task"
)

// errorBody 是错误响应与 SSE error 帧的负载。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorBody(err error) errorBody {
	if e, ok := xerrors.From(err); ok {
		return errorBody{Code: string(e.Code()), Message: e.Message()}
	}
	return errorBody{Code: string(xerrors.CodeUnknown), Message: err.Error()}
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), newErrorBody(err))
}

// decodeBody 解析 JSON 请求体，格式错误统一返回 INVALID_ARGUMENT。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if stdErrors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func unavailable(what string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, strings.TrimSpace(what)+"未启用")
}
