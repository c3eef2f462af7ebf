package research

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

const answerPrompt = `You are an expert analyst. Synthesize the research below into a comprehensive, multi-paragraph answer to the original question.
Ground every claim in the evidence. Cite evidence inline with its id in square brackets exactly as given, for example [%s].
Only cite ids that appear in the evidence list. If the evidence does not answer part of the question, say so.

Original question: %s

Research notes:
%s

Evidence:
%s`

// Answer 最终回答
type Answer struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources"`
}

// AnswerInput 回答输入
type AnswerInput struct {
	Question    string
	Evidence    []EvidenceItem
	Notes       []string
	Temperature float64
}

// AnswerSynthesizer 基于证据日志与笔记生成带引用的最终回答
type AnswerSynthesizer struct {
	gen     provider.Generator
	counter rag.TokenCounter
	budget  int
	logger  *slog.Logger
}

// NewAnswerSynthesizer 创建 AnswerSynthesizer，budget 为证据上下文的 token 上限
func NewAnswerSynthesizer(gen provider.Generator, counter rag.TokenCounter, budget int, logger *slog.Logger) *AnswerSynthesizer {
	if counter == nil {
		counter = rag.SimpleTokenCounter{}
	}
	if budget <= 0 {
		budget = DefaultConfig().AnswerContextBudget
	}
	return &AnswerSynthesizer{
		gen:     gen,
		counter: counter,
		budget:  budget,
		logger:  applog.Component(logger, "answer"),
	}
}

// Synthesize 生成回答。只保留证据日志中存在的引用，其余引用标记被移除。
func (a *AnswerSynthesizer) Synthesize(ctx context.Context, in AnswerInput) (Answer, error) {
	evidenceText, included := a.selectEvidence(in.Evidence)

	example := "source-id"
	if len(included) > 0 {
		example = included[0]
	}
	notes := formatNotes(in.Notes)
	if notes == "" {
		notes = "(none)"
	}
	if evidenceText == "" {
		evidenceText = "(no evidence was found)"
	}

	out, err := a.gen.Generate(ctx, fmt.Sprintf(answerPrompt, example, in.Question, notes, evidenceText), in.Temperature)
	if err != nil {
		return Answer{}, &GenerationFatalError{Component: "answer", Err: err}
	}

	valid := make(map[string]struct{}, len(in.Evidence))
	for _, e := range in.Evidence {
		valid[e.SourceID] = struct{}{}
	}
	// 只报告回答中实际引用的来源；未引用时 Sources 为空
	text, cited := resolveCitations(out, valid)
	return Answer{Text: text, Sources: cited}, nil
}

// selectEvidence 按 source_id 去重（保留最高分），按步骤顺序、分数降序在预算内拼接
func (a *AnswerSynthesizer) selectEvidence(evidence []EvidenceItem) (string, []string) {
	best := make(map[string]EvidenceItem, len(evidence))
	for _, e := range evidence {
		if cur, ok := best[e.SourceID]; !ok || e.FusedScore > cur.FusedScore {
			best[e.SourceID] = e
		}
	}
	items := make([]EvidenceItem, 0, len(best))
	for _, e := range best {
		items = append(items, e)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].StepIndex != items[j].StepIndex {
			return items[i].StepIndex < items[j].StepIndex
		}
		if items[i].FusedScore != items[j].FusedScore {
			return items[i].FusedScore > items[j].FusedScore
		}
		return items[i].SourceID < items[j].SourceID
	})

	var (
		sb       strings.Builder
		included []string
		used     int
	)
	for _, e := range items {
		entry := fmt.Sprintf("[%s] %s\n\n", e.SourceID, e.Content)
		n := a.counter.Count(entry)
		if used+n > a.budget {
			continue
		}
		used += n
		sb.WriteString(entry)
		included = append(included, e.SourceID)
	}
	return strings.TrimSpace(sb.String()), included
}

var (
	citationRe    = regexp.MustCompile(`\[([^\[\]\n]{1,200})\]`)
	spaceBeforeRe = regexp.MustCompile(` +([.,;:!?])`)
	multiSpaceRe  = regexp.MustCompile(`(\S) {2,}(\S)`)
)

// resolveCitations 解析 [id] / [id1, id2] 引用：保留有效 id，移除无效 id；返回按首次出现排序的有效 id
func resolveCitations(text string, valid map[string]struct{}) (string, []string) {
	var cited []string
	seen := make(map[string]struct{})

	out := citationRe.ReplaceAllStringFunc(text, func(marker string) string {
		inner := marker[1 : len(marker)-1]
		parts := strings.FieldsFunc(inner, func(r rune) bool { return r == ',' || r == ';' })
		for _, p := range parts {
			// 含空白的方括号内容不是引用（如 markdown 链接文字）
			if strings.ContainsAny(strings.TrimSpace(p), " \t") {
				return marker
			}
		}

		var keep []string
		for _, p := range parts {
			id := strings.TrimSpace(p)
			if _, ok := valid[id]; !ok {
				continue
			}
			keep = append(keep, id)
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				cited = append(cited, id)
			}
		}
		if len(keep) == 0 {
			return ""
		}
		return "[" + strings.Join(keep, ", ") + "]"
	})

	out = spaceBeforeRe.ReplaceAllString(out, "$1")
	out = multiSpaceRe.ReplaceAllString(out, "$1 $2")
	return strings.TrimSpace(out), cited
}

// degradedAnswer 回答生成失败时以笔记作为降级回答
func degradedAnswer(notes []string) string {
	if len(notes) == 0 {
		return ""
	}
	return "The final answer could not be generated. Research notes collected so far:\n" + formatNotes(notes)
}
