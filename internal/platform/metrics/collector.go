package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 指标收集器。所有方法对 nil 接收者安全，未配置时即为 no-op。
type Collector struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runIterations   prometheus.Histogram
	policyDecisions *prometheus.CounterVec

	retrievalTotal    *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec

	generationTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector 在给定 registry 上注册全部指标；reg 为 nil 时使用默认 registry
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "research_runs_total",
			Help:      "Finished research runs by status and termination reason",
		}, []string{"status", "reason"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "research_run_duration_seconds",
			Help:      "Wall time of a research run",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		runIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "research_run_iterations",
			Help:      "Loop iterations consumed per run",
			Buckets:   prometheus.LinearBuckets(1, 1, 20),
		}),
		policyDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy controller decisions",
		}, []string{"decision"}),
		retrievalTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_calls_total",
			Help:      "Retrieval source calls by method and outcome",
		}, []string{"method", "outcome"}),
		retrievalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Retrieval latency by strategy",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_cache_lookups_total",
			Help:      "Retrieval cache lookups",
		}, []string{"result"}),
		generationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_calls_total",
			Help:      "Text generation calls by component and outcome",
		}, []string{"component", "outcome"}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveRun 记录一次运行结束
func (c *Collector) ObserveRun(status, reason string, iterations int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status, reason).Inc()
	c.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	c.runIterations.Observe(float64(iterations))
}

// ObservePolicy 记录一次策略决策
func (c *Collector) ObservePolicy(decision string) {
	if c == nil {
		return
	}
	c.policyDecisions.WithLabelValues(decision).Inc()
}

// ObserveRetrieval 记录一次检索源调用；outcome 为 ok / empty / error
func (c *Collector) ObserveRetrieval(method, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.retrievalTotal.WithLabelValues(method, outcome).Inc()
	c.retrievalDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveCache 记录缓存命中
func (c *Collector) ObserveCache(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveGeneration 记录一次文本生成调用
func (c *Collector) ObserveGeneration(component, outcome string) {
	if c == nil {
		return
	}
	c.generationTotal.WithLabelValues(component, outcome).Inc()
}

// ObserveHTTP 记录一次 HTTP 请求
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
