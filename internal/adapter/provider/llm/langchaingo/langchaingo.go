package langchaingo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

// Config langchaingo 后端配置（OpenAI 兼容端点，如 Ollama /v1、vLLM）
type Config struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	EmbeddingModel string `json:"embedding_model"`
}

// Provider 基于 langchaingo llms.Model 的 LLM Provider
type Provider struct {
	client llms.Model
	logger *slog.Logger
}

// New 创建 langchaingo Provider
func New(cfg Config) (*Provider, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithModel(client), nil
}

// NewWithModel 包装已有的 llms.Model（测试可注入 fake）
func NewWithModel(model llms.Model) *Provider {
	return &Provider{
		client: model,
		logger: applog.With("component", "langchaingo-provider"),
	}
}

func newClient(cfg Config) (*lcopenai.LLM, error) {
	token := cfg.APIKey
	if token == "" {
		// 本地 OpenAI 兼容服务不校验 token
		token = "none"
	}
	opts := []lcopenai.Option{
		lcopenai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, lcopenai.WithModel(cfg.Model))
	}
	if cfg.EmbeddingModel != "" {
		opts = append(opts, lcopenai.WithEmbeddingModel(cfg.EmbeddingModel))
	}
	client, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchaingo client: %w", err)
	}
	return client, nil
}

func (p *Provider) Name() string {
	return "langchaingo"
}

// Complete 非流式补全
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		content = append(content, llms.MessageContent{
			Role:  chatRole(m.Role),
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(req.Stop))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := p.client.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		p.logger.Debug("[LLM] no choices returned from model")
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	return &provider.CompletionResponse{
		Content:      choice.Content,
		Model:        req.Model,
		FinishReason: choice.StopReason,
	}, nil
}

func chatRole(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// Embedder 基于 langchaingo embeddings 的向量生成器
type Embedder struct {
	embedder embeddings.Embedder
	dims     int
}

// NewEmbedder 创建 langchaingo Embedder；dims 仅用于上报
func NewEmbedder(cfg Config, dims int) (*Embedder, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create langchaingo embedder: %w", err)
	}
	return &Embedder{embedder: e, dims: dims}, nil
}

// Embed 批量生成向量
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// Dims 返回向量维度
func (e *Embedder) Dims() int {
	return e.dims
}
