package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Runner 是 API 依赖的编排能力。
type Runner interface {
	Run(ctx context.Context, req run.Request) (*run.Result, error)
	Stream(ctx context.Context, req run.Request, emit func(events.Frame) error) error
}

// ToolLister 返回当前可用的工具。
type ToolLister interface {
	Tools() []mcp.ToolDefinition
}

// Server 负责暴露 REST 接口，供外部驱动编排运行。
type Server struct {
	addr            string
	runner          Runner
	tools           ToolLister
	tasks           *task.Service
	events          events.Subscriber
	keepalive       time.Duration
	samples         []string
	gatherer        prometheus.Gatherer
	metrics         *metrics.Recorder
	audit           *slog.Logger
	log             *slog.Logger
	shutdownTimeout time.Duration
	now             func() time.Time
}

// Option 自定义 Server。
type Option func(*Server)

// WithTools 注册工具清单来源。
func WithTools(t ToolLister) Option { return func(s *Server) { s.tools = t } }

// WithTasks 启用异步任务接口。
func WithTasks(svc *task.Service) Option { return func(s *Server) { s.tasks = svc } }

// WithEvents 启用按 trace 订阅事件的接口。
func WithEvents(sub events.Subscriber, keepalive time.Duration) Option {
	return func(s *Server) {
		s.events = sub
		s.keepalive = keepalive
	}
}

// WithSamples 设置示例问题。
func WithSamples(samples []string) Option {
	return func(s *Server) { s.samples = append([]string(nil), samples...) }
}

// WithMetrics 记录请求指标，并在 gatherer 非空时挂载 /metrics。
func WithMetrics(rec *metrics.Recorder, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = rec
		s.gatherer = g
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithLogger 指定运行日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		runner:          runner,
		keepalive:       events.DefaultKeepalive,
		audit:           logger.Audit(),
		log:             logger.Named("api"),
		shutdownTimeout: 5 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/api/v1/orchestrate", s.handleOrchestrate)
	s.route(mux, "/api/v1/orchestrate/stream", s.handleOrchestrateStream)
	s.route(mux, "/api/v1/runs/", s.handleRunEvents)
	s.route(mux, "/api/v1/tools", s.handleTools)
	s.route(mux, "/api/v1/samples", s.handleSamples)
	s.route(mux, "/api/v1/tasks", s.handleTasks)
	s.route(mux, "/api/v1/tasks/", s.handleTaskDetail)
	s.route(mux, "/api/v1/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(s.gatherer))
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, withIdentity(h)))
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
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

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
