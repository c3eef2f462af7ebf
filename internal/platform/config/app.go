package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"deeprag/internal/domain/research"
)

// 语义索引后端
const (
	SemanticOpenSearch = "opensearch"
	SemanticWeaviate   = "weaviate"
)

// 生成后端
const (
	ProviderOpenAI      = "openai"
	ProviderLangchaingo = "langchaingo"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel   string           `json:"log_level"`
	LogFormat  string           `json:"log_format"`
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	OpenAI     OpenAIConfig     `json:"openai"`
	Generation GenerationConfig `json:"generation"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Search     SearchConfig     `json:"search"`
	Semantic   SemanticConfig   `json:"semantic"`
	Weaviate   WeaviateConfig   `json:"weaviate"`
	Web        WebConfig        `json:"web"`
	Engine     EngineConfig     `json:"engine"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type ServerConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	RunTimeoutSeconds      int    `json:"run_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL             string `json:"url"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// GenerationConfig 文本生成；RerankModel 非空时用模型打分重排
type GenerationConfig struct {
	Provider    string `json:"provider"` // openai | langchaingo
	Model       string `json:"model"`
	MaxTokens   int    `json:"max_tokens"`
	RerankModel string `json:"rerank_model"`
	Tokenizer   string `json:"tokenizer"` // tiktoken 编码名，为空使用字符估算
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // openai | langchaingo
	Model     string `json:"model"`
	Dims      int    `json:"dims"`
	BatchSize int    `json:"batch_size"`
}

// SearchConfig OpenSearch 关键词索引（以及向量 kNN）
type SearchConfig struct {
	URL          string `json:"url"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Index        string `json:"index"`
	VectorField  string `json:"vector_field"`
	SectionField string `json:"section_field"`
}

type SemanticConfig struct {
	Backend string `json:"backend"` // opensearch | weaviate，为空时不启用语义检索
}

type WeaviateConfig struct {
	Host            string `json:"host"`
	Scheme          string `json:"scheme"`
	APIKey          string `json:"api_key"`
	Class           string `json:"class"`
	SectionProperty string `json:"section_property"`
}

// WebConfig Tavily 网页搜索，未配置 API key 时 WEB 策略不可用
type WebConfig struct {
	TavilyAPIKey   string  `json:"tavily_api_key"`
	TavilyBaseURL  string  `json:"tavily_base_url"`
	MaxResults     int     `json:"max_results"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// EngineConfig 推理引擎参数，对应 research.Config
type EngineConfig struct {
	MaxSteps              int     `json:"max_steps"`
	Temperature           float64 `json:"temperature"`
	TopK                  int     `json:"top_k"`
	RerankTopN            int     `json:"rerank_top_n"`
	RRFK                  int     `json:"rrf_k"`
	WebPriority           float64 `json:"web_priority"`
	DigestTokenBudget     int     `json:"digest_token_budget"`
	SimilarityThreshold   float64 `json:"similarity_threshold"`
	NearDuplicateRatio    float64 `json:"near_duplicate_ratio"`
	KeywordTokenThreshold int     `json:"keyword_token_threshold"`
	PolicyJudge           bool    `json:"policy_judge"`
	DegradedAnswer        bool    `json:"degraded_answer"`
	AnswerContextBudget   int     `json:"answer_context_budget"`
	CallTimeoutSeconds    int     `json:"call_timeout_seconds"`
	MaxRetries            int     `json:"max_retries"`
	InitialBackoffMs      int     `json:"initial_backoff_ms"`
	MaxBackoffMs          int     `json:"max_backoff_ms"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	rc := research.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    600,
			RunTimeoutSeconds:      300,
			ShutdownTimeoutSeconds: 10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Redis: RedisConfig{
			CacheTTLSeconds: 600,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Generation: GenerationConfig{
			Provider:  ProviderOpenAI,
			Model:     "gpt-4o-mini",
			MaxTokens: 2048,
			Tokenizer: "cl100k_base",
		},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-3-small",
			Dims:      1536,
			BatchSize: 64,
		},
		Search: SearchConfig{
			Index:        "deeprag-documents",
			VectorField:  "embedding",
			SectionField: "section",
		},
		Weaviate: WeaviateConfig{
			Scheme:          "http",
			Class:           "Document",
			SectionProperty: "section",
		},
		Web: WebConfig{
			TavilyBaseURL:  "https://api.tavily.com",
			MaxResults:     5,
			RequestsPerSec: 2,
		},
		Engine: EngineConfig{
			MaxSteps:              rc.MaxSteps,
			Temperature:           rc.Temperature,
			TopK:                  rc.TopK,
			RerankTopN:            rc.RerankTopN,
			RRFK:                  rc.RRFK,
			WebPriority:           rc.WebPriority,
			DigestTokenBudget:     rc.DigestTokenBudget,
			SimilarityThreshold:   rc.SimilarityThreshold,
			NearDuplicateRatio:    rc.NearDuplicateRatio,
			KeywordTokenThreshold: rc.KeywordTokenThreshold,
			PolicyJudge:           rc.PolicyJudge,
			DegradedAnswer:        rc.DegradedAnswer,
			AnswerContextBudget:   rc.AnswerContextBudget,
			CallTimeoutSeconds:    int(rc.CallTimeout / time.Second),
			MaxRetries:            rc.MaxRetries,
			InitialBackoffMs:      int(rc.InitialBackoff / time.Millisecond),
			MaxBackoffMs:          int(rc.MaxBackoff / time.Millisecond),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "deeprag",
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON，或扩展名为 .yaml/.yml 的 YAML）。
func Load() (*AppConfig, error) {
	// .env 非必需，忽略错误
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// YAML 先转成 JSON，字段名沿用 json tag
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("convert APP_CONFIG_FILE %q failed: %w", path, err)
		}
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SERVER_RUN_TIMEOUT", &c.Server.RunTimeoutSeconds)
	applyInt("SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)
	applyInt("REDIS_CACHE_TTL", &c.Redis.CacheTTLSeconds)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)

	applyString("LLM_PROVIDER", &c.Generation.Provider)
	applyString("LLM_MODEL", &c.Generation.Model)
	applyInt("LLM_MAX_TOKENS", &c.Generation.MaxTokens)
	applyString("RERANK_MODEL", &c.Generation.RerankModel)
	applyString("TOKENIZER_ENCODING", &c.Generation.Tokenizer)

	applyString("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	applyString("EMBEDDING_MODEL", &c.Embedding.Model)
	applyInt("EMBEDDING_DIMS", &c.Embedding.Dims)
	applyInt("EMBEDDING_BATCH_SIZE", &c.Embedding.BatchSize)

	applyString("OPENSEARCH_URL", &c.Search.URL)
	applyString("OPENSEARCH_USERNAME", &c.Search.Username)
	applyString("OPENSEARCH_PASSWORD", &c.Search.Password)
	applyString("OPENSEARCH_INDEX", &c.Search.Index)
	applyString("OPENSEARCH_VECTOR_FIELD", &c.Search.VectorField)
	applyString("OPENSEARCH_SECTION_FIELD", &c.Search.SectionField)

	applyString("SEMANTIC_BACKEND", &c.Semantic.Backend)

	applyString("WEAVIATE_HOST", &c.Weaviate.Host)
	applyString("WEAVIATE_SCHEME", &c.Weaviate.Scheme)
	applyString("WEAVIATE_API_KEY", &c.Weaviate.APIKey)
	applyString("WEAVIATE_CLASS", &c.Weaviate.Class)
	applyString("WEAVIATE_SECTION_PROPERTY", &c.Weaviate.SectionProperty)

	applyString("TAVILY_API_KEY", &c.Web.TavilyAPIKey)
	applyString("TAVILY_BASE_URL", &c.Web.TavilyBaseURL)
	applyInt("WEB_MAX_RESULTS", &c.Web.MaxResults)
	applyFloat64("WEB_REQUESTS_PER_SEC", &c.Web.RequestsPerSec)

	applyInt("ENGINE_MAX_STEPS", &c.Engine.MaxSteps)
	applyFloat64("ENGINE_TEMPERATURE", &c.Engine.Temperature)
	applyInt("ENGINE_TOP_K", &c.Engine.TopK)
	applyInt("ENGINE_RERANK_TOP_N", &c.Engine.RerankTopN)
	applyInt("ENGINE_RRF_K", &c.Engine.RRFK)
	applyFloat64("ENGINE_WEB_PRIORITY", &c.Engine.WebPriority)
	applyInt("ENGINE_DIGEST_TOKEN_BUDGET", &c.Engine.DigestTokenBudget)
	applyFloat64("ENGINE_SIMILARITY_THRESHOLD", &c.Engine.SimilarityThreshold)
	applyFloat64("ENGINE_NEAR_DUPLICATE_RATIO", &c.Engine.NearDuplicateRatio)
	applyInt("ENGINE_KEYWORD_TOKEN_THRESHOLD", &c.Engine.KeywordTokenThreshold)
	applyBool("ENGINE_POLICY_JUDGE", &c.Engine.PolicyJudge)
	applyBool("ENGINE_DEGRADED_ANSWER", &c.Engine.DegradedAnswer)
	applyInt("ENGINE_ANSWER_CONTEXT_BUDGET", &c.Engine.AnswerContextBudget)
	applyInt("ENGINE_CALL_TIMEOUT", &c.Engine.CallTimeoutSeconds)
	applyInt("ENGINE_MAX_RETRIES", &c.Engine.MaxRetries)
	applyInt("ENGINE_INITIAL_BACKOFF_MS", &c.Engine.InitialBackoffMs)
	applyInt("ENGINE_MAX_BACKOFF_MS", &c.Engine.MaxBackoffMs)

	applyBool("METRICS_ENABLED", &c.Metrics.Enabled)
	applyString("METRICS_NAMESPACE", &c.Metrics.Namespace)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	c.Generation.Provider = strings.ToLower(strings.TrimSpace(c.Generation.Provider))
	if c.Generation.Provider == "" {
		c.Generation.Provider = ProviderOpenAI
	}
	c.Embedding.Provider = c.EmbeddingProvider()
	c.Semantic.Backend = strings.ToLower(strings.TrimSpace(c.Semantic.Backend))
	if c.Semantic.Backend == "" {
		// 未显式指定时按已配置的存储推断
		switch {
		case c.Weaviate.Host != "":
			c.Semantic.Backend = SemanticWeaviate
		case c.Search.URL != "" && c.OpenAI.APIKey != "":
			c.Semantic.Backend = SemanticOpenSearch
		}
	}
	if c.Web.MaxResults <= 0 {
		c.Web.MaxResults = 5
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "deeprag"
	}
}

func (c *AppConfig) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Generation.Provider {
	case ProviderOpenAI, ProviderLangchaingo:
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderLangchaingo, c.Generation.Provider)
	}
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderLangchaingo:
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderLangchaingo, c.Embedding.Provider)
	}
	switch c.Semantic.Backend {
	case "", SemanticOpenSearch, SemanticWeaviate:
	default:
		return fmt.Errorf("SEMANTIC_BACKEND must be %q or %q, got %q", SemanticOpenSearch, SemanticWeaviate, c.Semantic.Backend)
	}
	if c.Semantic.Backend == SemanticOpenSearch && c.Search.URL == "" {
		return fmt.Errorf("SEMANTIC_BACKEND=opensearch requires OPENSEARCH_URL")
	}
	if c.Semantic.Backend == SemanticWeaviate && c.Weaviate.Host == "" {
		return fmt.Errorf("SEMANTIC_BACKEND=weaviate requires WEAVIATE_HOST")
	}
	if c.Engine.MaxSteps > research.MaxStepsLimit {
		return fmt.Errorf("ENGINE_MAX_STEPS must not exceed %d", research.MaxStepsLimit)
	}
	if c.Engine.Temperature < 0 || c.Engine.Temperature > 2 {
		return fmt.Errorf("ENGINE_TEMPERATURE must be between 0 and 2")
	}
	return nil
}

// Research 转换为推理引擎配置
func (c *AppConfig) Research() research.Config {
	e := c.Engine
	return research.Config{
		MaxSteps:              e.MaxSteps,
		Temperature:           e.Temperature,
		TopK:                  e.TopK,
		RerankTopN:            e.RerankTopN,
		RRFK:                  e.RRFK,
		WebPriority:           e.WebPriority,
		DigestTokenBudget:     e.DigestTokenBudget,
		SimilarityThreshold:   e.SimilarityThreshold,
		NearDuplicateRatio:    e.NearDuplicateRatio,
		KeywordTokenThreshold: e.KeywordTokenThreshold,
		PolicyJudge:           e.PolicyJudge,
		DegradedAnswer:        e.DegradedAnswer,
		AnswerContextBudget:   e.AnswerContextBudget,
		CallTimeout:           time.Duration(e.CallTimeoutSeconds) * time.Second,
		MaxRetries:            e.MaxRetries,
		InitialBackoff:        time.Duration(e.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:            time.Duration(e.MaxBackoffMs) * time.Millisecond,
	}.Normalize()
}

// EmbeddingProvider 返回生效的向量化后端，未配置时跟随生成后端
func (c *AppConfig) EmbeddingProvider() string {
	if p := strings.ToLower(strings.TrimSpace(c.Embedding.Provider)); p != "" {
		return p
	}
	if p := strings.ToLower(strings.TrimSpace(c.Generation.Provider)); p != "" {
		return p
	}
	return ProviderOpenAI
}

// HasWeb 是否配置了网页搜索
func (c *AppConfig) HasWeb() bool {
	return strings.TrimSpace(c.Web.TavilyAPIKey) != ""
}

// HasCache 是否启用检索缓存
func (c *AppConfig) HasCache() bool {
	return c.Redis.URL != "" && c.Redis.CacheTTLSeconds > 0
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
