package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ToolMind/internal/agent"
	"ToolMind/internal/auth"
	"ToolMind/internal/llm"
	"ToolMind/internal/observability/metrics"
	"ToolMind/internal/session"
	"ToolMind/internal/storage/sqlstore"
	"ToolMind/internal/task"
	"ToolMind/internal/tool"
	"ToolMind/pkg/logger"
)

// Agent 是 API 层依赖的智能体能力。
type Agent interface {
	Name() string
	Submit(ctx context.Context, caller llm.Caller, req agent.Request) *agent.Stream
	GuidePrompt(ctx context.Context, caller llm.Caller, req agent.GuideRequest) *agent.Stream
	Plan(ctx context.Context, caller llm.Caller, req agent.Request) (*agent.Preview, error)
}

// UsageReporter 汇总用户的模型用量。
type UsageReporter interface {
	Summary(ctx context.Context, userID string, since time.Time) ([]sqlstore.UsageSummary, error)
}

// ModelConfigStore 维护用户级的模型覆盖配置。
type ModelConfigStore interface {
	Upsert(ctx context.Context, userID string, role llm.Role, cfg llm.ModelConfig) error
	ListByUser(ctx context.Context, userID string) (map[llm.Role]llm.ModelConfig, error)
	Delete(ctx context.Context, userID string, role llm.Role) error
}

// ServerRegistry 维护用户注册的工具服务器。
type ServerRegistry interface {
	Save(ctx context.Context, server tool.ServerDescriptor) error
	Server(ctx context.Context, id string) (*tool.ServerDescriptor, error)
	SetToolConfig(ctx context.Context, userID, serverID string, config map[string]any) error
}

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultFollowInterval  = 200 * time.Millisecond
	maxBodyBytes           = 1 << 20
)

// Server 负责暴露 REST 与 SSE 接口，供外部驱动智能体执行。
type Server struct {
	addr            string
	agent           Agent
	runs            *task.Service
	sessions        session.Store
	usage           UsageReporter
	models          ModelConfigStore
	servers         ServerRegistry
	shutdownTimeout time.Duration
	followInterval  time.Duration
	log             *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithRunService 启用异步运行接口。
func WithRunService(svc *task.Service) Option {
	return func(s *Server) { s.runs = svc }
}

// WithSessionStore 启用会话查询接口。
func WithSessionStore(store session.Store) Option {
	return func(s *Server) { s.sessions = store }
}

// WithUsageReporter 启用用量查询接口。
func WithUsageReporter(r UsageReporter) Option {
	return func(s *Server) { s.usage = r }
}

// WithModelConfigStore 启用模型配置接口。
func WithModelConfigStore(store ModelConfigStore) Option {
	return func(s *Server) { s.models = store }
}

// WithServerRegistry 启用工具服务器注册接口。
func WithServerRegistry(r ServerRegistry) Option {
	return func(s *Server) { s.servers = r }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithFollowInterval 设置运行事件回放的轮询间隔。
func WithFollowInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.followInterval = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag Agent, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		agent:           ag,
		shutdownTimeout: defaultShutdownTimeout,
		followInterval:  defaultFollowInterval,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/v1/mind/guide_prompt", s.handleGuidePrompt)
	s.route(mux, "POST /api/v1/mind/guide_prompt/feedback", s.handleGuideFeedback)
	s.route(mux, "POST /api/v1/mind/task", s.handlePlan)
	s.route(mux, "POST /api/v1/mind/task_start", s.handleTaskStart)

	s.route(mux, "POST /api/v1/runs", s.handleSubmitRun)
	s.route(mux, "GET /api/v1/runs", s.handleListRuns)
	s.route(mux, "GET /api/v1/runs/stats", s.handleRunStats)
	s.route(mux, "GET /api/v1/runs/{id}", s.handleGetRun)
	s.route(mux, "GET /api/v1/runs/{id}/events", s.handleRunEvents)

	s.route(mux, "GET /api/v1/sessions", s.handleListSessions)
	s.route(mux, "GET /api/v1/sessions/{id}", s.handleGetSession)
	s.route(mux, "GET /api/v1/usage", s.handleUsage)
	s.route(mux, "GET /api/v1/model-config", s.handleListModelConfigs)
	s.route(mux, "PUT /api/v1/model-config", s.handlePutModelConfig)
	s.route(mux, "DELETE /api/v1/model-config/{role}", s.handleDeleteModelConfig)
	s.route(mux, "POST /api/v1/mcp-servers", s.handleRegisterServer)
	s.route(mux, "PUT /api/v1/mcp-servers/{id}/config", s.handlePutToolConfig)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	handler := auth.Middleware(auth.MiddlewareConfig{})(mux)
	return otelhttp.NewHandler(handler, "toolmind-api")
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册处理器并记录请求指标，指标以路由模式为标签。
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	}))
}

func (s *Server) caller(r *http.Request) llm.Caller {
	return llm.Caller{UserID: auth.UserID(r.Context()), Agent: s.agent.Name()}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// statusRecorder 记录响应状态码，同时保留 Flush 能力。
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
