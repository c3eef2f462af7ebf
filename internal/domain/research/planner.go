package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

const (
	toolSearchDocuments = "search_documents"
	toolSearchWeb       = "search_web"
)

const plannerPrompt = `You are an expert research planner. Break the question below into an ordered, multi-step research plan.
Each step must be a self-contained sub-question that can be searched on its own.
For each step choose a tool:
- search_documents: information likely to be in the indexed document collection
- search_web: current events, recent data or information outside the collection
For search_documents steps, name the document section most likely to hold the answer, or "Unknown".

Create at most %d steps. Respond with JSON only, using this schema:
{"steps":[{"sub_question":"...","justification":"...","tool":"search_documents","keywords":["..."],"document_section":"Unknown"}]}

Question: %s`

type planPayload struct {
	Steps []struct {
		SubQuestion   string   `json:"sub_question"`
		Justification string   `json:"justification"`
		Tool          string   `json:"tool"`
		Keywords      []string `json:"keywords"`
		Section       string   `json:"document_section"`
	} `json:"steps"`
}

// Planner 将问题拆解为可独立检索的子问题
type Planner struct {
	gen    provider.Generator
	logger *slog.Logger
}

// NewPlanner 创建 Planner
func NewPlanner(gen provider.Generator, logger *slog.Logger) *Planner {
	return &Planner{gen: gen, logger: applog.Component(logger, "planner")}
}

// Plan 生成 1..maxSteps 个步骤。
// 返回 *PlanningError 时 steps 为单步兜底计划（描述即原问题），调用方可直接使用。
func (p *Planner) Plan(ctx context.Context, question string, maxSteps int, temperature float64) ([]PlanStep, error) {
	out, err := p.gen.Generate(ctx, fmt.Sprintf(plannerPrompt, maxSteps, question), temperature)
	if err != nil {
		return fallbackPlan(question), &PlanningError{Err: err}
	}

	steps, err := parsePlan(out, maxSteps)
	if err != nil {
		p.logger.Warn("[Research] Unparsable plan, using fallback", "error", err, "raw", truncate(out, 200))
		return fallbackPlan(question), &PlanningError{Raw: out, Err: err}
	}
	return steps, nil
}

var errEmptyPlan = errors.New("plan has no usable steps")

func parsePlan(out string, maxSteps int) ([]PlanStep, error) {
	var payload planPayload
	if err := provider.DecodeJSON(out, &payload); err != nil {
		return nil, err
	}

	steps := make([]PlanStep, 0, len(payload.Steps))
	for _, s := range payload.Steps {
		desc := strings.TrimSpace(s.SubQuestion)
		if desc == "" {
			continue
		}
		steps = append(steps, PlanStep{
			Description:      desc,
			Rationale:        strings.TrimSpace(s.Justification),
			Keywords:         cleanKeywords(s.Keywords),
			RequiresExternal: strings.EqualFold(strings.TrimSpace(s.Tool), toolSearchWeb),
			Section:          rag.SectionFilter(s.Section).Section,
			Origin:           OriginPlanned,
		})
		if len(steps) == maxSteps {
			break
		}
	}
	if len(steps) == 0 {
		return nil, errEmptyPlan
	}
	return steps, nil
}

func fallbackPlan(question string) []PlanStep {
	return []PlanStep{{
		Description: question,
		Rationale:   "plan could not be generated; searching the question directly",
		Origin:      OriginFallback,
	}}
}

func cleanKeywords(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		key := strings.ToLower(k)
		if k == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
