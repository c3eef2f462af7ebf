package research

import (
	"time"

	"deeprag/internal/domain/rag"
	"deeprag/internal/platform/retry"
)

// MaxStepsLimit 单次请求允许的最大推理步数
const MaxStepsLimit = 20

// Config 推理引擎配置，通过构造函数显式传入
type Config struct {
	MaxSteps    int     `json:"max_steps"`
	Temperature float64 `json:"temperature"` // 请求未指定时使用

	// 检索
	TopK        int     `json:"top_k"`
	RerankTopN  int     `json:"rerank_top_n"`
	RRFK        int     `json:"rrf_k"`
	WebPriority float64 `json:"web_priority"`

	// 上下文压缩
	DigestTokenBudget   int     `json:"digest_token_budget"`
	SimilarityThreshold float64 `json:"similarity_threshold"`

	// 策略选择
	NearDuplicateRatio    float64 `json:"near_duplicate_ratio"`    // 新增 source_id 占比低于该值视为近似重复
	KeywordTokenThreshold int     `json:"keyword_token_threshold"` // 技术性 token 数达到该值选 KEYWORD

	// 每轮由策略模型判断是否停止，失败时按启发式规则
	PolicyJudge bool `json:"policy_judge"`

	// 最终回答
	DegradedAnswer      bool `json:"degraded_answer"`
	AnswerContextBudget int  `json:"answer_context_budget"`

	// 外部调用
	CallTimeout    time.Duration `json:"call_timeout"`
	MaxRetries     int           `json:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxSteps:              7,
		Temperature:           0,
		TopK:                  10,
		RerankTopN:            rag.DefaultRerankTopN,
		RRFK:                  rag.DefaultRRFK,
		WebPriority:           0.5,
		DigestTokenBudget:     1200,
		SimilarityThreshold:   0.85,
		NearDuplicateRatio:    0.2,
		KeywordTokenThreshold: 2,
		PolicyJudge:           true,
		DegradedAnswer:        true,
		AnswerContextBudget:   3000,
		CallTimeout:           60 * time.Second,
		MaxRetries:            2,
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            8 * time.Second,
	}
}

// Normalize 用默认值补齐未设置的字段
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = def.MaxSteps
	}
	if c.MaxSteps > MaxStepsLimit {
		c.MaxSteps = MaxStepsLimit
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.RerankTopN <= 0 {
		c.RerankTopN = def.RerankTopN
	}
	if c.RRFK <= 0 {
		c.RRFK = def.RRFK
	}
	if c.WebPriority <= 0 {
		c.WebPriority = def.WebPriority
	}
	if c.DigestTokenBudget <= 0 {
		c.DigestTokenBudget = def.DigestTokenBudget
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.NearDuplicateRatio <= 0 || c.NearDuplicateRatio > 1 {
		c.NearDuplicateRatio = def.NearDuplicateRatio
	}
	if c.KeywordTokenThreshold <= 0 {
		c.KeywordTokenThreshold = def.KeywordTokenThreshold
	}
	if c.AnswerContextBudget <= 0 {
		c.AnswerContextBudget = def.AnswerContextBudget
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return c
}

// RetryPolicy 外部调用的超时与重试策略
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Timeout:        c.CallTimeout,
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     2,
	}
}

// EngineConfig 派生检索引擎配置
func (c Config) EngineConfig() rag.EngineConfig {
	return rag.EngineConfig{
		TopK:        c.TopK,
		RRFK:        c.RRFK,
		WebPriority: c.WebPriority,
		Retry:       c.RetryPolicy(),
	}
}

// DistillerConfig 派生上下文压缩配置
func (c Config) DistillerConfig() rag.DistillerConfig {
	cfg := rag.DefaultDistillerConfig()
	cfg.TokenBudget = c.DigestTokenBudget
	cfg.SimilarityThreshold = c.SimilarityThreshold
	return cfg
}
