package bootstrap

import (
	"fmt"
	"strings"

	"deeprag/internal/adapter/provider/llm/langchaingo"
	"deeprag/internal/adapter/provider/llm/openai"
	"deeprag/internal/domain/rag"
	"deeprag/internal/platform/config"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

// RegisterLLMProviders 按配置注册 LLM 供应商，返回注册表
func RegisterLLMProviders(cfg *config.AppConfig) *provider.Registry {
	reg := provider.NewRegistry()

	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		p := openai.New(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		})
		reg.Register(p)
		applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), cfg.OpenAI.BaseURL)
	}

	if cfg.Generation.Provider == config.ProviderLangchaingo || cfg.EmbeddingProvider() == config.ProviderLangchaingo {
		p, err := langchaingo.New(langchainConfig(cfg))
		if err != nil {
			applog.Warnf("⚠️  langchaingo provider unavailable: %v", err)
		} else {
			reg.Register(p)
			applog.Infof("✅ Registered LLM provider: %s (model: %s)", p.Name(), cfg.Generation.Model)
		}
	}

	if len(reg.Names()) == 0 {
		applog.Warn("⚠️  No OPENAI_API_KEY set, research engine will not work")
	}
	return reg
}

// NewGenerator 为指定模型创建生成器
func NewGenerator(reg *provider.Registry, cfg *config.AppConfig, model string, opts ...provider.GeneratorOption) (*provider.ProviderGenerator, error) {
	p, err := reg.Get(cfg.Generation.Provider)
	if err != nil {
		return nil, err
	}
	opts = append([]provider.GeneratorOption{provider.WithMaxTokens(cfg.Generation.MaxTokens)}, opts...)
	return provider.NewGenerator(p, model, opts...), nil
}

// NewEmbedder 按 embedding.provider 创建查询向量化器
func NewEmbedder(cfg *config.AppConfig) (rag.Embedder, error) {
	switch cfg.EmbeddingProvider() {
	case config.ProviderLangchaingo:
		e, err := langchaingo.NewEmbedder(langchainConfig(cfg), cfg.Embedding.Dims)
		if err != nil {
			return nil, err
		}
		return e, nil
	case config.ProviderOpenAI:
		if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for %s embeddings", cfg.Embedding.Model)
		}
		return rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
			BaseURL:   cfg.OpenAI.BaseURL,
			APIKey:    cfg.OpenAI.APIKey,
			Model:     cfg.Embedding.Model,
			Dims:      cfg.Embedding.Dims,
			BatchSize: cfg.Embedding.BatchSize,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbeddingProvider())
	}
}

func langchainConfig(cfg *config.AppConfig) langchaingo.Config {
	return langchaingo.Config{
		BaseURL:        cfg.OpenAI.BaseURL,
		APIKey:         cfg.OpenAI.APIKey,
		Model:          cfg.Generation.Model,
		EmbeddingModel: cfg.Embedding.Model,
	}
}
