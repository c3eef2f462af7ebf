package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyCompletion 供应商返回空内容
var ErrEmptyCompletion = errors.New("empty completion")

// Generator 文本生成能力：prompt + temperature → text
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// GeneratorFunc 函数适配 Generator
type GeneratorFunc func(ctx context.Context, prompt string, temperature float64) (string, error)

// Generate 实现 Generator
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	return f(ctx, prompt, temperature)
}

// ProviderGenerator 将 LLMProvider 适配为单 prompt 的 Generator
type ProviderGenerator struct {
	provider  LLMProvider
	model     string
	system    string
	maxTokens int
}

// GeneratorOption ProviderGenerator 选项
type GeneratorOption func(*ProviderGenerator)

// WithSystemPrompt 为每次调用附加 system 消息
func WithSystemPrompt(system string) GeneratorOption {
	return func(g *ProviderGenerator) { g.system = system }
}

// WithMaxTokens 限制单次输出长度
func WithMaxTokens(n int) GeneratorOption {
	return func(g *ProviderGenerator) { g.maxTokens = n }
}

// NewGenerator 创建基于供应商的 Generator
func NewGenerator(p LLMProvider, model string, opts ...GeneratorOption) *ProviderGenerator {
	g := &ProviderGenerator{provider: p, model: model}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate 发送一次补全请求并返回文本
func (g *ProviderGenerator) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	messages := make([]Message, 0, 2)
	if g.system != "" {
		messages = append(messages, Message{Role: "system", Content: g.system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	resp, err := g.provider.Complete(ctx, &CompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s complete: %w", g.provider.Name(), err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

// Name 返回 "provider/model"
func (g *ProviderGenerator) Name() string {
	return g.provider.Name() + "/" + g.model
}

// Ping 探活底层供应商；不支持探活时视为可达
func (g *ProviderGenerator) Ping(ctx context.Context) error {
	if p, ok := g.provider.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
