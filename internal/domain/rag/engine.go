package rag

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	applog "deeprag/internal/platform/log"
	"deeprag/internal/platform/metrics"
	"deeprag/internal/platform/retry"
)

// 检索源名称，用于缓存键、指标与失败记录
const (
	SourceSemantic = "semantic"
	SourceKeyword  = "keyword"
	SourceWeb      = "web"
)

// ErrSourceNotConfigured 检索源未配置
var ErrSourceNotConfigured = errors.New("retrieval source not configured")

// EngineConfig 检索引擎配置
type EngineConfig struct {
	TopK          int          `json:"top_k"`
	RRFK          int          `json:"rrf_k"`
	WebPriority   float64      `json:"web_priority"` // WEB 结果分数系数，< 1 表示降权
	WebMaxResults int          `json:"web_max_results"`
	Retry         retry.Policy `json:"-"`
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TopK:          10,
		RRFK:          DefaultRRFK,
		WebPriority:   0.5,
		WebMaxResults: 5,
		Retry:         retry.DefaultPolicy(),
	}
}

// Engine 混合检索引擎
type Engine struct {
	semantic SemanticIndex
	keyword  KeywordIndex
	web      WebSearcher
	cache    CacheStore
	cfg      EngineConfig
	metrics  *metrics.Collector
	logger   *slog.Logger
	tracer   trace.Tracer
}

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithSemantic 设置语义索引
func WithSemantic(idx SemanticIndex) EngineOption {
	return func(e *Engine) { e.semantic = idx }
}

// WithKeyword 设置关键词索引
func WithKeyword(idx KeywordIndex) EngineOption {
	return func(e *Engine) { e.keyword = idx }
}

// WithWeb 设置外部搜索
func WithWeb(ws WebSearcher) EngineOption {
	return func(e *Engine) { e.web = ws }
}

// WithCache 设置检索缓存
func WithCache(c CacheStore) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics 设置指标采集
func WithMetrics(m *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger 设置 logger
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = applog.Component(l, "retrieval-engine") }
}

// NewEngine 创建检索引擎
func NewEngine(cfg EngineConfig, opts ...EngineOption) *Engine {
	def := DefaultEngineConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = def.RRFK
	}
	if cfg.WebPriority <= 0 {
		cfg.WebPriority = def.WebPriority
	}
	if cfg.WebMaxResults <= 0 {
		cfg.WebMaxResults = def.WebMaxResults
	}

	e := &Engine{
		cfg:    cfg,
		logger: applog.With("component", "retrieval-engine"),
		tracer: otel.Tracer("deeprag/rag"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasWeb 是否配置了外部搜索
func (e *Engine) HasWeb() bool {
	return e.web != nil
}

// Retrieve 按检索方式执行一次检索。
// 单个源失败只记录在 Failures 中，全部失败时返回空候选。
func (e *Engine) Retrieve(ctx context.Context, req Request) *Result {
	start := time.Now()
	if req.TopK <= 0 {
		req.TopK = e.cfg.TopK
	}
	if !req.Method.Valid() {
		req.Method = MethodHybrid
	}

	ctx, span := e.tracer.Start(ctx, "rag.retrieve", trace.WithAttributes(
		attribute.String("retrieval.method", string(req.Method)),
		attribute.Int("retrieval.top_k", req.TopK),
	))
	defer span.End()

	res := &Result{Method: req.Method, Sources: make(map[string]int)}
	filter := SectionFilter(req.Section)
	if !filter.Empty() {
		span.SetAttributes(attribute.String("retrieval.section", filter.Section))
	}

	switch req.Method {
	case MethodSemantic:
		hits, err := e.searchLocal(ctx, SourceSemantic, e.semantic, req.Query, req.TopK, filter)
		res.record(SourceSemantic, len(hits), err)
		res.Candidates = Fuse(e.cfg.RRFK, MethodSemantic, hits)
	case MethodKeyword:
		hits, err := e.searchLocal(ctx, SourceKeyword, e.keyword, req.Query, req.TopK, filter)
		res.record(SourceKeyword, len(hits), err)
		res.Candidates = Fuse(e.cfg.RRFK, MethodKeyword, hits)
	case MethodHybrid:
		res.Candidates = e.hybrid(ctx, req, filter, res)
	case MethodWeb:
		local := e.hybrid(ctx, req, filter, res)
		res.Candidates = append(local, e.searchWeb(ctx, req.Query, res)...)
	}

	res.ElapsedMs = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int("retrieval.candidates", len(res.Candidates)))
	if len(res.Candidates) == 0 && res.Degraded() {
		span.SetStatus(codes.Error, "all retrieval sources failed")
	}

	e.logger.Info("[RAG] Retrieve",
		"method", req.Method,
		"top_k", req.TopK,
		"candidates", len(res.Candidates),
		"failures", len(res.Failures),
		"elapsed_ms", res.ElapsedMs,
	)
	return res
}

// hybrid 语义与关键词并发检索，全部返回（或超时）后做 RRF 融合
func (e *Engine) hybrid(ctx context.Context, req Request, filter Filter, res *Result) []Candidate {
	// 多取候选用于融合
	fetchK := req.TopK * 2

	var (
		g               errgroup.Group
		semHits, kwHits []Hit
		semErr, kwErr   error
	)
	g.Go(func() error {
		semHits, semErr = e.searchLocal(ctx, SourceSemantic, e.semantic, req.Query, fetchK, filter)
		return nil
	})
	g.Go(func() error {
		kwHits, kwErr = e.searchLocal(ctx, SourceKeyword, e.keyword, req.Query, fetchK, filter)
		return nil
	})
	_ = g.Wait()

	res.record(SourceSemantic, len(semHits), semErr)
	res.record(SourceKeyword, len(kwHits), kwErr)

	var lists [][]Hit
	if semErr == nil {
		lists = append(lists, semHits)
	}
	if kwErr == nil {
		lists = append(lists, kwHits)
	}
	merged := Fuse(e.cfg.RRFK, MethodHybrid, lists...)
	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}

	e.logger.Debug("[RAG] Hybrid search merged",
		"semantic_count", len(semHits),
		"keyword_count", len(kwHits),
		"merged_count", len(merged),
	)
	return merged
}

type searcher interface {
	Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error)
}

// searchLocal 按章节过滤检索；章节内无结果时退回全库检索
func (e *Engine) searchLocal(ctx context.Context, source string, idx searcher, query string, k int, filter Filter) ([]Hit, error) {
	hits, err := e.searchIndex(ctx, source, idx, query, k, filter)
	if err != nil || len(hits) > 0 || filter.Empty() {
		return hits, err
	}
	e.logger.Debug("[RAG] Section filter matched nothing, searching all documents",
		"source", source, "section", filter.Section)
	return e.searchIndex(ctx, source, idx, query, k, Filter{})
}

// searchIndex 查询缓存 → 带超时重试地调用索引 → 异步写缓存
func (e *Engine) searchIndex(ctx context.Context, source string, idx searcher, query string, k int, filter Filter) ([]Hit, error) {
	if idx == nil {
		e.metrics.ObserveRetrieval(source, "not_configured", 0)
		return nil, ErrSourceNotConfigured
	}

	key := CacheKey{Source: source, Query: query, K: k, Section: filter.Section}
	if e.cache != nil {
		if hits, ok := e.cache.Get(ctx, key); ok {
			e.metrics.ObserveCache(true)
			return hits, nil
		}
		e.metrics.ObserveCache(false)
	}

	ctx, span := e.tracer.Start(ctx, "rag.search."+source)
	defer span.End()

	start := time.Now()
	hits, err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) ([]Hit, error) {
		return idx.Search(ctx, query, k, filter)
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("[RAG] Index call failed, retrying",
			"source", source, "attempt", attempt, "wait", wait, "error", err)
	})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveRetrieval(source, "error", elapsed)
		e.logger.Warn("[RAG] Index unavailable", "source", source, "error", err)
		return nil, err
	}
	hits = withSourceIDs(hits)
	e.metrics.ObserveRetrieval(source, outcome(len(hits)), elapsed)

	if e.cache != nil {
		cached := append([]Hit(nil), hits...)
		go func() {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			e.cache.Set(cacheCtx, key, cached)
		}()
	}
	return hits, nil
}

// searchWeb 外部搜索：结果不参与融合，按降权后的优先级追加在本地结果之后
func (e *Engine) searchWeb(ctx context.Context, query string, res *Result) []Candidate {
	if e.web == nil {
		e.metrics.ObserveRetrieval(SourceWeb, "not_configured", 0)
		res.record(SourceWeb, 0, ErrSourceNotConfigured)
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "rag.search.web")
	defer span.End()

	start := time.Now()
	results, err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) ([]WebResult, error) {
		return e.web.Search(ctx, query)
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("[RAG] Web search failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveRetrieval(SourceWeb, "error", elapsed)
		res.record(SourceWeb, 0, err)
		return nil
	}

	seen := make(map[string]struct{}, len(results))
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		if len(out) >= e.cfg.WebMaxResults {
			break
		}
		if r.URL == "" || r.Snippet == "" {
			continue
		}
		id := WebSourceID(r.URL)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rank := len(out) + 1
		out = append(out, Candidate{
			SourceID: id,
			Content:  r.Snippet,
			Title:    r.Title,
			Origin:   r.URL,
			Method:   MethodWeb,
			Score:    e.cfg.WebPriority / float64(e.cfg.RRFK+rank),
			MinRank:  rank,
		})
	}
	e.metrics.ObserveRetrieval(SourceWeb, outcome(len(out)), elapsed)
	res.record(SourceWeb, len(out), nil)
	return out
}

func (r *Result) record(source string, n int, err error) {
	if err != nil {
		r.Failures = append(r.Failures, SourceFailure{Source: source, Error: err.Error()})
		return
	}
	r.Sources[source] = n
}

// withSourceIDs 为缺少 id 的结果补稳定 id
func withSourceIDs(hits []Hit) []Hit {
	for i := range hits {
		if hits[i].SourceID == "" {
			hits[i].SourceID = ContentSourceID(hits[i].Origin, hits[i].Content)
		}
	}
	return hits
}

func outcome(n int) string {
	if n == 0 {
		return "empty"
	}
	return "ok"
}
