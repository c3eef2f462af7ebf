package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

const reflectionPrompt = `You are a research analyst. Update the running research summary with the new evidence for the current sub-question.

Original question: %s
Current sub-question: %s

Previous notes:
%s

New evidence:
%s

Respond with JSON only:
{"summary":"cumulative findings so far, concise but complete","knowledge_gaps":["information still missing to answer the original question"],"is_sufficient":false}
Set is_sufficient to true only when the findings are enough to fully answer the original question.`

// Reflection 一次反思的结果
type Reflection struct {
	Note       string   `json:"note"`
	Summary    string   `json:"summary"`
	Gaps       []string `json:"knowledge_gaps,omitempty"`
	Sufficient bool     `json:"is_sufficient"`
	Fallback   bool     `json:"fallback,omitempty"` // 未经模型生成
}

type reflectionPayload struct {
	Summary       string   `json:"summary"`
	KnowledgeGaps []string `json:"knowledge_gaps"`
	IsSufficient  bool     `json:"is_sufficient"`
}

// ReflectInput 反思输入
type ReflectInput struct {
	Question string
	Step     PlanStep
	Digest   rag.Digest
	Notes    []string
}

// Reflector 总结累计发现并指出信息缺口
type Reflector struct {
	gen    provider.Generator
	logger *slog.Logger
}

// NewReflector 创建 Reflector
func NewReflector(gen provider.Generator, logger *slog.Logger) *Reflector {
	return &Reflector{gen: gen, logger: applog.Component(logger, "reflection")}
}

// Reflect 生成新笔记。证据为空时不调用模型，直接把当前子问题记为缺口。
func (r *Reflector) Reflect(ctx context.Context, in ReflectInput) Reflection {
	if in.Digest.Empty() {
		return Reflection{
			Note:     fmt.Sprintf("No evidence found for %q. Remaining gaps: %s", in.Step.Description, in.Step.Description),
			Gaps:     []string{in.Step.Description},
			Fallback: true,
		}
	}

	notes := formatNotes(in.Notes)
	if notes == "" {
		notes = "(none yet)"
	}
	prompt := fmt.Sprintf(reflectionPrompt, in.Question, in.Step.Description, notes, in.Digest.Text())

	out, err := r.gen.Generate(ctx, prompt, 0)
	if err != nil {
		r.logger.Warn("[Research] Reflection failed, recording step as a gap", "error", err)
		return Reflection{
			Note:     fmt.Sprintf("Retrieved %d passages for %q but could not summarize them. Remaining gaps: %s", len(in.Digest.Items), in.Step.Description, in.Step.Description),
			Gaps:     []string{in.Step.Description},
			Fallback: true,
		}
	}

	var payload reflectionPayload
	if err := provider.DecodeJSON(out, &payload); err != nil || strings.TrimSpace(payload.Summary) == "" {
		// 非结构化输出：原文即笔记，不判定充分性
		return Reflection{Note: strings.TrimSpace(out), Summary: strings.TrimSpace(out)}
	}

	gaps := cleanKeywords(payload.KnowledgeGaps)
	refl := Reflection{
		Summary:    strings.TrimSpace(payload.Summary),
		Gaps:       gaps,
		Sufficient: payload.IsSufficient,
	}
	refl.Note = refl.Summary
	if len(gaps) > 0 {
		refl.Note += "\nRemaining gaps: " + strings.Join(gaps, "; ")
	}
	return refl
}
