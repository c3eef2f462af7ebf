package rag

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	applog "deeprag/internal/platform/log"
)

// TokenCounter Token 计数器
type TokenCounter interface {
	Count(text string) int
}

// SimpleTokenCounter 简单估算：英文约 4 字符 ≈ 1 token，中文约 1.5 字符 ≈ 1 token
// 取保守估计：rune 数量 * 2 / 3
type SimpleTokenCounter struct{}

// Count 估算文本 Token 数
func (SimpleTokenCounter) Count(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return runes * 2 / 3
}

// TiktokenCounter 基于 tiktoken 的精确计数，编码表首次使用时加载
// 加载失败时退化为 SimpleTokenCounter
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
	fallback SimpleTokenCounter
}

// NewTiktokenCounter 创建 tiktoken 计数器，encoding 为空时使用 cl100k_base
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			applog.Warn("[RAG/Tokenizer] tiktoken unavailable, using estimator", "error", err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count 计算文本 Token 数
func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
