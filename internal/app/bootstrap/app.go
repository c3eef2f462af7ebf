package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"deeprag/internal/adapter/search/tavily"
	"deeprag/internal/api"
	"deeprag/internal/db/opensearch"
	"deeprag/internal/db/postgres"
	redisdb "deeprag/internal/db/redis"
	weaviatedb "deeprag/internal/db/weaviate"
	"deeprag/internal/domain/rag"
	"deeprag/internal/domain/research"
	"deeprag/internal/platform/config"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/platform/metrics"
	"deeprag/internal/provider"
)

const pingTimeout = 5 * time.Second

const answerSystemPrompt = "You answer strictly from the supplied evidence and cite every claim with its source id in square brackets."

// App 组装好的运行时依赖
type App struct {
	Orchestrator *research.Orchestrator // 未配置生成后端时为 nil
	Engine       *rag.Engine
	Runs         *postgres.RunStore // 未配置数据库时为 nil
	Health       *api.HealthChecker
	Metrics      *metrics.Collector
	Registry     *prometheus.Registry

	closers []func() error
}

// Build 按配置组装检索引擎、推理引擎与存储
//
// 可选依赖（缓存、网页搜索、运行历史）不可用时降级并记录告警，只有配置错误才返回 error。
func Build(ctx context.Context, cfg *config.AppConfig, version string) (*App, error) {
	app := &App{Health: api.NewHealthChecker(version, 3*time.Second)}

	if cfg.Metrics.Enabled {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		app.Metrics = metrics.NewCollector(cfg.Metrics.Namespace, app.Registry)
		applog.Infof("✅ Metrics enabled (namespace: %s)", cfg.Metrics.Namespace)
	}

	rcfg := cfg.Research()
	engineCfg := rcfg.EngineConfig()
	engineCfg.WebMaxResults = cfg.Web.MaxResults
	engineOpts := []rag.EngineOption{
		rag.WithMetrics(app.Metrics),
		rag.WithLogger(applog.With("component", "retrieval-engine")),
	}

	var osClient *opensearch.Client
	if cfg.Search.URL != "" {
		osClient = opensearch.NewClient(opensearch.Config{
			URL:          cfg.Search.URL,
			Username:     cfg.Search.Username,
			Password:     cfg.Search.Password,
			Index:        cfg.Search.Index,
			VectorField:  cfg.Search.VectorField,
			SectionField: cfg.Search.SectionField,
		})
		if err := ping(ctx, osClient.Ping); err != nil {
			applog.Warnf("⚠️  OpenSearch ping failed: %v", err)
		} else {
			applog.Info("✅ Connected to OpenSearch")
		}
		engineOpts = append(engineOpts, rag.WithKeyword(osClient))
		app.Health.Register("opensearch", true, osClient.Ping)
	} else {
		applog.Info("ℹ️  No OPENSEARCH_URL set, keyword search disabled")
	}

	semantic, err := buildSemantic(ctx, cfg, osClient, app.Health)
	if err != nil {
		return nil, err
	}
	if semantic != nil {
		engineOpts = append(engineOpts, rag.WithSemantic(semantic))
	}

	if cfg.HasWeb() {
		web, err := tavily.New(tavily.Config{
			APIKey:         cfg.Web.TavilyAPIKey,
			BaseURL:        cfg.Web.TavilyBaseURL,
			MaxResults:     cfg.Web.MaxResults,
			RequestsPerSec: cfg.Web.RequestsPerSec,
		})
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, rag.WithWeb(web))
		applog.Infof("✅ Web search enabled (tavily, max_results: %d)", cfg.Web.MaxResults)
	} else {
		applog.Info("ℹ️  No TAVILY_API_KEY set, WEB strategy falls back to HYBRID")
	}

	if cfg.HasCache() {
		if opt, err := goredis.ParseURL(cfg.Redis.URL); err == nil {
			rdb := goredis.NewClient(opt)
			app.closers = append(app.closers, rdb.Close)
			cache := redisdb.NewSearchCache(rdb, cfg.Redis.CacheTTLSeconds)
			if err := ping(ctx, cache.Ping); err != nil {
				applog.Warnf("⚠️  Redis ping failed, cache lookups will miss: %v", err)
			} else {
				applog.Infof("✅ Retrieval cache initialized (TTL: %ds)", cfg.Redis.CacheTTLSeconds)
			}
			engineOpts = append(engineOpts, rag.WithCache(cache))
			app.Health.Register("redis", false, cache.Ping)
		} else {
			applog.Warnf("⚠️  Redis URL invalid, retrieval cache disabled: %v", err)
		}
	}

	app.Engine = rag.NewEngine(engineCfg, engineOpts...)

	if cfg.Database.URL != "" {
		if store := openRunStore(ctx, cfg, app); store != nil {
			app.Runs = store
			app.Health.Register("postgres", false, store.Ping)
		}
	}

	reg := RegisterLLMProviders(cfg)
	gen, err := NewGenerator(reg, cfg, cfg.Generation.Model)
	if err != nil {
		applog.Warnf("⚠️  Generation provider %q unavailable: %v (research engine disabled)", cfg.Generation.Provider, err)
		app.Health.Register("generator", true, func(context.Context) error { return err })
		return app, nil
	}
	app.Health.Register("generator", true, gen.Ping)

	answerGen, err := NewGenerator(reg, cfg, cfg.Generation.Model, provider.WithSystemPrompt(answerSystemPrompt))
	if err != nil {
		return nil, err
	}
	orchOpts := []research.Option{
		research.WithGenerators(research.Generators{Answer: answerGen}),
		research.WithMetrics(app.Metrics),
		research.WithLogger(applog.With("component", "research")),
		research.WithTokenCounter(tokenCounter(cfg)),
	}
	if cfg.Generation.RerankModel != "" {
		rerankGen, err := NewGenerator(reg, cfg, cfg.Generation.RerankModel)
		if err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts, research.WithScorer(rag.NewLLMScorer(rerankGen)))
		applog.Infof("✅ LLM reranker initialized (model: %s)", cfg.Generation.RerankModel)
	}

	app.Orchestrator = research.New(rcfg, gen, app.Engine, orchOpts...)
	applog.Infof("✅ Research engine ready (provider: %s, model: %s, max_steps: %d)",
		cfg.Generation.Provider, cfg.Generation.Model, rcfg.MaxSteps)
	return app, nil
}

// Close 释放连接
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildSemantic(ctx context.Context, cfg *config.AppConfig, osClient *opensearch.Client, health *api.HealthChecker) (rag.SemanticIndex, error) {
	switch cfg.Semantic.Backend {
	case config.SemanticWeaviate:
		idx, err := weaviatedb.New(weaviatedb.Config{
			Host:            cfg.Weaviate.Host,
			Scheme:          cfg.Weaviate.Scheme,
			APIKey:          cfg.Weaviate.APIKey,
			Class:           cfg.Weaviate.Class,
			SectionProperty: cfg.Weaviate.SectionProperty,
		})
		if err != nil {
			return nil, err
		}
		if err := ping(ctx, idx.Ping); err != nil {
			applog.Warnf("⚠️  Weaviate not ready: %v", err)
		} else {
			applog.Infof("✅ Connected to Weaviate (class: %s)", cfg.Weaviate.Class)
		}
		health.Register("weaviate", true, idx.Ping)
		return idx, nil

	case config.SemanticOpenSearch:
		if osClient == nil {
			return nil, errors.New("opensearch semantic backend requires OPENSEARCH_URL")
		}
		embedder, err := NewEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		applog.Infof("✅ Query embedder initialized (provider: %s, model: %s, dims: %d)",
			cfg.EmbeddingProvider(), cfg.Embedding.Model, embedder.Dims())
		return rag.NewEmbeddingIndex(embedder, osClient), nil

	default:
		applog.Info("ℹ️  No semantic backend configured, HYBRID uses keyword search only")
		return nil, nil
	}
}

func openRunStore(ctx context.Context, cfg *config.AppConfig, app *App) *postgres.RunStore {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Warnf("⚠️  Invalid DATABASE_URL, run history disabled: %v", err)
		return nil
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)
	app.closers = append(app.closers, db.Close)

	store := postgres.NewRunStore(db)
	if err := ping(ctx, store.Ping); err != nil {
		applog.Warnf("⚠️  Failed to ping database, run history disabled: %v", err)
		return nil
	}
	applog.Info("✅ Connected to PostgreSQL")

	ectx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := store.EnsureTable(ectx); err != nil {
		applog.Warnf("⚠️  Failed to ensure research_runs table: %v", err)
		return nil
	}
	applog.Info("✅ Run history table ready (research_runs)")
	return store
}

func tokenCounter(cfg *config.AppConfig) rag.TokenCounter {
	if cfg.Generation.Tokenizer == "" {
		return rag.SimpleTokenCounter{}
	}
	return rag.NewTiktokenCounter(cfg.Generation.Tokenizer)
}

func ping(ctx context.Context, fn func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return fn(pctx)
}
