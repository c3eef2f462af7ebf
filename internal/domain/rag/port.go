package rag

import (
	"context"
	"strings"
)

// Filter 本地检索过滤条件，零值表示不过滤
type Filter struct {
	Section string // 文档章节
}

// SectionFilter 规范化章节名；空值或 "Unknown" 不过滤
func SectionFilter(section string) Filter {
	section = strings.TrimSpace(section)
	if section == "" || strings.Contains(section, "Unknown") {
		return Filter{}
	}
	return Filter{Section: section}
}

// Empty 是否不做任何过滤
func (f Filter) Empty() bool {
	return f.Section == ""
}

// SemanticIndex 语义检索源
type SemanticIndex interface {
	Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error)
}

// KeywordIndex 关键词（BM25）检索源
type KeywordIndex interface {
	Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error)
}

// WebSearcher 外部搜索能力（可选）
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// VectorSearcher 按向量做 kNN 检索的存储
type VectorSearcher interface {
	SearchVector(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)
}

// CacheKey 检索缓存键
type CacheKey struct {
	Source  string
	Query   string
	K       int
	Section string
}

// CacheStore 检索缓存，只缓存本地索引结果
type CacheStore interface {
	Get(ctx context.Context, key CacheKey) ([]Hit, bool)
	Set(ctx context.Context, key CacheKey, hits []Hit)
}
