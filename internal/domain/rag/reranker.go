package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

// DefaultRerankTopN 重排后保留条数
const DefaultRerankTopN = 5

// ── Scorer 接口 ───────────────────────────────────────────────

// Scorer 对候选按与 query 的相关性打分，返回与输入等长的分数
type Scorer interface {
	Score(ctx context.Context, query string, items []Candidate) ([]float64, error)
}

// ── Reranker ──────────────────────────────────────────────────

// Reranker 相关性重排：稳定排序，分数相同保持输入顺序
type Reranker struct {
	scorer Scorer
	logger *slog.Logger
}

// NewReranker 创建 Reranker，scorer 为 nil 时使用 LexicalScorer
func NewReranker(scorer Scorer) *Reranker {
	if scorer == nil {
		scorer = LexicalScorer{}
	}
	return &Reranker{
		scorer: scorer,
		logger: applog.With("component", "reranker"),
	}
}

// Rerank 重排并截断到 topN；评分失败时返回原顺序截断
func (r *Reranker) Rerank(ctx context.Context, query string, items []Candidate, topN int) []Candidate {
	if len(items) == 0 {
		return nil
	}
	if topN <= 0 {
		topN = DefaultRerankTopN
	}
	if topN > len(items) {
		topN = len(items)
	}

	start := time.Now()
	scores, err := r.scorer.Score(ctx, query, items)
	if err != nil {
		r.logger.Warn("[RAG/Reranker] Scoring failed, returning original order", "error", err)
		return append([]Candidate(nil), items[:topN]...)
	}

	out := make([]Candidate, len(items))
	copy(out, items)
	for i := range out {
		if i < len(scores) {
			out[i].Relevance = scores[i]
		} else {
			out[i].Relevance = 0
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Relevance > out[j].Relevance
	})
	out = out[:topN]

	r.logger.Debug("[RAG/Reranker] Reranked",
		"input", len(items),
		"output", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out
}

// ── Lexical Scorer ────────────────────────────────────────────

// LexicalScorer 词项覆盖率打分：query 中不同词项在标题/正文中出现的比例，标题命中加权
type LexicalScorer struct{}

// Score 实现 Scorer
func (LexicalScorer) Score(_ context.Context, query string, items []Candidate) ([]float64, error) {
	terms := queryTerms(query)
	scores := make([]float64, len(items))
	if len(terms) == 0 {
		return scores, nil
	}
	for i, item := range items {
		body := termSet(item.Content)
		title := termSet(item.Title)
		var s float64
		for _, t := range terms {
			if _, ok := body[t]; ok {
				s += 1
			}
			if _, ok := title[t]; ok {
				s += 0.5
			}
		}
		scores[i] = s / (1.5 * float64(len(terms)))
	}
	return scores, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "what": {}, "when": {},
	"which": {}, "who": {}, "why": {}, "with": {},
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

func queryTerms(query string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, t := range tokenize(query) {
		if len(t) < 2 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

// ── LLM Scorer ────────────────────────────────────────────────

// LLMScorer 使用 LLM 做 prompt-based 相关性评分
type LLMScorer struct {
	gen        provider.Generator
	maxExcerpt int
}

// NewLLMScorer 创建 LLM 评分器
func NewLLMScorer(gen provider.Generator) *LLMScorer {
	return &LLMScorer{gen: gen, maxExcerpt: 300}
}

// Score 实现 Scorer
func (s *LLMScorer) Score(ctx context.Context, query string, items []Candidate) ([]float64, error) {
	out, err := s.gen.Generate(ctx, s.buildPrompt(query, items), 0)
	if err != nil {
		return nil, fmt.Errorf("llm score: %w", err)
	}

	var scores []float64
	if err := provider.DecodeJSON(out, &scores); err != nil {
		return nil, fmt.Errorf("parse scores: %w", err)
	}
	if len(scores) > len(items) {
		scores = scores[:len(items)]
	}
	return scores, nil
}

func (s *LLMScorer) buildPrompt(query string, items []Candidate) string {
	var sb strings.Builder
	sb.WriteString("You are a relevance grader. Score each passage from 0.0 to 1.0 by how much it helps answer the query. ")
	sb.WriteString("Return only a JSON array of numbers [score1, score2, ...] in passage order.\n\n")
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	for i, item := range items {
		content := item.Content
		if r := []rune(content); len(r) > s.maxExcerpt {
			content = string(r[:s.maxExcerpt]) + "..."
		}
		fmt.Fprintf(&sb, "[Passage %d]\n%s\n\n", i+1, content)
	}
	return sb.String()
}
