package research

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

const optimizerPrompt = `You are a search query optimization expert. Rewrite the sub-question into a single search query that maximizes recall:
add synonyms and closely related terms, keep exact names, quoted phrases and numbers unchanged.
Consider the keywords and what past research has already found.

Sub-question: %s
Keywords: %s
Past context:
%s

Respond with the query only.`

// Optimizer 将子问题改写为偏召回的检索 query
type Optimizer struct {
	gen    provider.Generator
	logger *slog.Logger
}

// NewOptimizer 创建 Optimizer
func NewOptimizer(gen provider.Generator, logger *slog.Logger) *Optimizer {
	return &Optimizer{gen: gen, logger: applog.Component(logger, "query-optimizer")}
}

// Optimize 改写 query；生成失败或输出为空时原样返回步骤描述
func (o *Optimizer) Optimize(ctx context.Context, step PlanStep, notes []string, temperature float64) string {
	keywords := strings.Join(step.Keywords, ", ")
	if keywords == "" {
		keywords = "(none)"
	}
	past := formatNotes(notes)
	if past == "" {
		past = "(none yet)"
	}

	out, err := o.gen.Generate(ctx, fmt.Sprintf(optimizerPrompt, step.Description, keywords, past), temperature)
	if err != nil {
		o.logger.Warn("[Research] Query rewrite failed, using step description", "error", err)
		return step.Description
	}
	if q := cleanQuery(out); q != "" {
		return q
	}
	return step.Description
}

var queryPrefixRe = regexp.MustCompile(`(?i)^(optimized\s+)?(search\s+)?query\s*:\s*`)

// cleanQuery 取首个非空行，去掉 "Query:" 前缀和整体包裹的引号
func cleanQuery(out string) string {
	var line string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimSpace(queryPrefixRe.ReplaceAllString(line, ""))
	line = strings.Trim(line, "`")
	if len(line) >= 2 {
		first, last := line[0], line[len(line)-1]
		if (first == '"' || first == '\'') && first == last && strings.Count(line, string(first)) == 2 {
			line = strings.TrimSpace(line[1 : len(line)-1])
		}
	}
	return line
}

// formatNotes 按步骤编号渲染历史笔记
func formatNotes(notes []string) string {
	var sb strings.Builder
	for i, n := range notes {
		fmt.Fprintf(&sb, "Step %d: %s\n", i+1, n)
	}
	return strings.TrimSpace(sb.String())
}
