package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

const judgePrompt = `You are a research strategist. Decide whether to continue searching for more information or stop and write the final answer.

Continue only if critical information is still missing and planned steps remain.
Stop if the gathered findings already answer the question, all sub-questions are addressed, or further search is unlikely to add value.

Original question: %s
Current step: %d of %d
Total plan steps: %d

Research history:
%s

Respond with JSON only:
{"decision":"continue","reasoning":"one sentence"}
decision must be "continue" or "stop".`

const (
	verdictContinue = "continue"
	verdictStop     = "stop"
)

// Verdict 策略模型对"是否已足够"的判断
type Verdict struct {
	Stop      bool   `json:"stop"`
	Reasoning string `json:"reasoning"`
}

type verdictPayload struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// JudgeInput 判断所需的研究进度
type JudgeInput struct {
	Question string
	Notes    []string
	Step     int // 已执行的迭代数
	MaxSteps int
	PlanSize int
}

// PolicyJudge 基于研究历史给出继续/停止建议
type PolicyJudge struct {
	gen    provider.Generator
	logger *slog.Logger
}

// NewPolicyJudge 创建 PolicyJudge
func NewPolicyJudge(gen provider.Generator, logger *slog.Logger) *PolicyJudge {
	return &PolicyJudge{gen: gen, logger: applog.Component(logger, "policy-judge")}
}

// Judge 返回 nil 表示没有可用判断，调用方按启发式规则决策
func (j *PolicyJudge) Judge(ctx context.Context, in JudgeInput) *Verdict {
	history := formatNotes(in.Notes)
	if history == "" {
		history = "(none yet)"
	}
	prompt := fmt.Sprintf(judgePrompt, in.Question, in.Step, in.MaxSteps, in.PlanSize, history)

	out, err := j.gen.Generate(ctx, prompt, 0)
	if err != nil {
		j.logger.Warn("[Research] Policy judge unavailable, using heuristics", "error", err)
		return nil
	}
	v, err := parseVerdict(out)
	if err != nil {
		j.logger.Warn("[Research] Unparsable policy verdict, using heuristics", "error", err, "raw", truncate(out, 200))
		return nil
	}
	return v
}

func parseVerdict(out string) (*Verdict, error) {
	var payload verdictPayload
	if err := provider.DecodeJSON(out, &payload); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(payload.Decision)) {
	case verdictStop:
		return &Verdict{Stop: true, Reasoning: strings.TrimSpace(payload.Reasoning)}, nil
	case verdictContinue:
		return &Verdict{Reasoning: strings.TrimSpace(payload.Reasoning)}, nil
	default:
		return nil, fmt.Errorf("unknown policy decision %q", payload.Decision)
	}
}
