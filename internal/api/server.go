package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deeprag/internal/platform/metrics"
	applog "deeprag/internal/platform/log"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RunTimeout   time.Duration // 单次研究运行超时（同步/流式）
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE 需要较长写超时
		RunTimeout:   5 * time.Minute,
	}
}

// Server HTTP 服务器
type Server struct {
	config     *ServerConfig
	researcher Researcher
	runs       RunStore
	health     *HealthChecker
	metrics    *metrics.Collector
	gatherer   prometheus.Gatherer
	httpSrv    *http.Server
}

// NewServer 创建服务器；researcher 为 nil 时查询接口返回 503
func NewServer(config *ServerConfig, researcher Researcher) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config:     config,
		researcher: researcher,
	}
}

// SetRunStore 设置运行历史存储（可选，仅在 Postgres 配置时启用）
func (s *Server) SetRunStore(runs RunStore) {
	s.runs = runs
}

// SetHealth 设置健康检查器
func (s *Server) SetHealth(h *HealthChecker) {
	s.health = h
}

// SetMetrics 设置指标采集与 /metrics 数据源
func (s *Server) SetMetrics(c *metrics.Collector, g prometheus.Gatherer) {
	s.metrics = c
	s.gatherer = g
}

// Start 启动服务器
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 DeepRAG API server starting on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	if s.metrics != nil {
		r.Use(metricsMiddleware(s.metrics))
	}

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	NewQueryHandler(s.researcher, s.runs, s.config.RunTimeout).RegisterRoutes(r)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, HealthReport{Status: HealthHealthy, Timestamp: time.Now().UTC()})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeEnvelope(w, status, string(report.Status), report)
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware 按路由模板记录请求数与耗时
func metricsMiddleware(c *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}
