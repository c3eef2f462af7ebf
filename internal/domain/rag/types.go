package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Method 检索方式
type Method string

const (
	MethodSemantic Method = "SEMANTIC"
	MethodKeyword  Method = "KEYWORD"
	MethodHybrid   Method = "HYBRID"
	MethodWeb      Method = "WEB"
)

// Valid 是否为已知检索方式
func (m Method) Valid() bool {
	switch m {
	case MethodSemantic, MethodKeyword, MethodHybrid, MethodWeb:
		return true
	}
	return false
}

// Hit 索引返回的单条结果，切片顺序即排名
type Hit struct {
	SourceID string  `json:"source_id"`
	Content  string  `json:"content"`
	Title    string  `json:"title,omitempty"`
	Origin   string  `json:"origin,omitempty"` // 文档名或 URL
	Score    float64 `json:"score"`            // 索引原始分数，仅供参考
}

// WebResult 外部搜索结果
type WebResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Candidate 融合后的检索候选
type Candidate struct {
	SourceID  string  `json:"source_id"`
	Content   string  `json:"content"`
	Title     string  `json:"title,omitempty"`
	Origin    string  `json:"origin,omitempty"`
	Method    Method  `json:"method"`
	Score     float64 `json:"score"`               // RRF 融合分（WEB 为降权后的优先级分）
	MinRank   int     `json:"min_rank"`            // 各列表中的最好名次（1-based）
	Relevance float64 `json:"relevance,omitempty"` // 重排分
}

// Request 检索请求
type Request struct {
	Query   string `json:"query"`
	Method  Method `json:"method"`
	TopK    int    `json:"top_k,omitempty"`
	Section string `json:"document_section,omitempty"` // 为空或 "Unknown" 时不过滤
}

// SourceFailure 单个检索源的失败记录
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Result 检索结果
type Result struct {
	Candidates []Candidate     `json:"candidates"`
	Method     Method          `json:"method"`
	Failures   []SourceFailure `json:"failures,omitempty"`
	Sources    map[string]int  `json:"sources,omitempty"` // 各源返回条数
	ElapsedMs  int64           `json:"elapsed_ms"`
}

// Degraded 是否有检索源失败
func (r *Result) Degraded() bool {
	return r != nil && len(r.Failures) > 0
}

// ContentSourceID 无 chunk id 时按来源与内容生成稳定 id
func ContentSourceID(origin, content string) string {
	sum := sha256.Sum256([]byte(origin + "\x00" + strings.TrimSpace(content)))
	return "doc:" + hex.EncodeToString(sum[:8])
}

// WebSourceID 网页结果按 URL 生成稳定 id
func WebSourceID(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return "web:" + hex.EncodeToString(sum[:8])
}
