package auth

import (
	"log/slog"
	"net/http"
	"time"

	loggerpkg "ToolMind/pkg/logger"
)

// MiddlewareConfig 配置身份中间件的行为。
type MiddlewareConfig struct {
	// AuditEvent 指定记录审计日志时使用的事件名称，为空时使用请求路径。
	AuditEvent string
	// Audit 为空时使用全局审计日志。
	Audit *slog.Logger
}

// Middleware 从 X-User-ID 读取调用方身份写入上下文，并记录请求审计日志。
// 身份校验由前置网关负责，这里只做透传。
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := Subject{UserID: r.Header.Get(HeaderUserID)}
			ctx := WithSubject(r.Context(), subject)
			subject = SubjectFromContext(ctx)

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(ctx))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger := cfg.Audit
			if logger == nil {
				logger = loggerpkg.Audit()
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.UserID,
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 writer，SSE 依赖它逐条下发事件。
func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 供 http.ResponseController 访问底层 writer。
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
