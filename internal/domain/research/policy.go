package research

import (
	"slices"
	"strings"

	"deeprag/internal/domain/rag"
)

// Decision 策略决策
type Decision string

const (
	DecisionContinue Decision = "CONTINUE"
	DecisionReplan   Decision = "REPLAN"
	DecisionFinalize Decision = "FINALIZE"
	DecisionAbort    Decision = "ABORT"
)

// Transition 一次决策的完整结果
type Transition struct {
	Decision Decision          `json:"decision"`
	Reason   TerminationReason `json:"reason,omitempty"`   // FINALIZE / ABORT
	Strategy rag.Method        `json:"strategy,omitempty"` // REPLAN
	FollowUp *PlanStep         `json:"follow_up,omitempty"`
	Detail   string            `json:"detail"`
}

// PolicyInput 决策输入，step_count 已计入本轮
type PolicyInput struct {
	StepCount     int
	MaxSteps      int
	Reflection    Reflection
	EvidenceCount int          // 本轮新增证据数
	TotalEvidence int          // 证据日志总条数（含本轮）
	Strategy      rag.Method   // 本轮使用的策略
	Tried         []rag.Method // 当前步骤已尝试过的策略（含本轮）
	WebAvailable  bool
	PendingSteps  int      // 当前步之后未执行的步骤数
	KnownSteps    []string // 计划中已有的步骤描述
	Verdict       *Verdict // 策略模型的判断，nil 表示不可用
}

// Decide 有限状态控制器，纯函数
//  1. step_count ≥ max_steps → FINALIZE(MAX_STEPS)
//  2. 反思判定充分、策略模型建议停止（已有证据时），或计划已执行完且无缺口 → FINALIZE(SUFFICIENT_INFO)
//  3. 本轮零证据且存在未尝试的兜底策略 → REPLAN，步骤不前进
//  4. 本轮零证据、无兜底策略且计划已执行完 → FINALIZE(REPLAN_EXHAUSTED)
//  5. 否则 CONTINUE；计划已执行完但仍有缺口时追加一个跟进步骤
func Decide(in PolicyInput) Transition {
	if in.StepCount >= in.MaxSteps {
		return Transition{Decision: DecisionFinalize, Reason: ReasonMaxSteps, Detail: "step budget exhausted"}
	}

	gaps := in.Reflection.Gaps
	if in.Reflection.Sufficient {
		return Transition{Decision: DecisionFinalize, Reason: ReasonSufficientInfo, Detail: "reflection judged the findings sufficient"}
	}
	if in.Verdict != nil && in.Verdict.Stop && in.TotalEvidence > 0 {
		return Transition{Decision: DecisionFinalize, Reason: ReasonSufficientInfo, Detail: "policy judge: " + in.Verdict.Reasoning}
	}
	if in.PendingSteps == 0 && len(gaps) == 0 && in.EvidenceCount > 0 {
		return Transition{Decision: DecisionFinalize, Reason: ReasonSufficientInfo, Detail: "all plan steps executed with no remaining gaps"}
	}

	if in.EvidenceCount == 0 {
		if next := nextStrategy(in.Strategy, in.Tried, in.WebAvailable); next != "" {
			return Transition{Decision: DecisionReplan, Strategy: next, Detail: "no evidence, retrying step with " + string(next)}
		}
		if in.PendingSteps == 0 {
			return Transition{Decision: DecisionFinalize, Reason: ReasonReplanExhausted, Detail: "no evidence and no fallback strategy left"}
		}
	}

	if in.PendingSteps > 0 {
		return Transition{Decision: DecisionContinue, Detail: "next planned step"}
	}

	for _, gap := range gaps {
		if containsFold(in.KnownSteps, gap) {
			continue
		}
		return Transition{
			Decision: DecisionContinue,
			FollowUp: &PlanStep{
				Description: gap,
				Rationale:   "follow-up on a gap named by reflection",
				Origin:      OriginFollowUp,
			},
			Detail: "plan exhausted, following up on gap",
		}
	}
	return Transition{Decision: DecisionFinalize, Reason: ReasonReplanExhausted, Detail: "remaining gaps were already researched"}
}

// nextStrategy 按 {HYBRID, WEB} 顺序取下一个未尝试的兜底策略
func nextStrategy(current rag.Method, tried []rag.Method, webAvailable bool) rag.Method {
	var chain []rag.Method
	switch current {
	case rag.MethodKeyword, rag.MethodSemantic:
		chain = []rag.Method{rag.MethodHybrid, rag.MethodWeb}
	case rag.MethodHybrid:
		chain = []rag.Method{rag.MethodWeb}
	default:
		return ""
	}
	for _, m := range chain {
		if m == rag.MethodWeb && !webAvailable {
			continue
		}
		if slices.Contains(tried, m) {
			continue
		}
		return m
	}
	return ""
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, x := range list {
		if strings.EqualFold(strings.TrimSpace(x), s) {
			return true
		}
	}
	return false
}
