package research

import (
	"time"

	"deeprag/internal/domain/rag"
)

// Status 运行状态
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// TerminationReason 终止原因
type TerminationReason string

const (
	ReasonSufficientInfo  TerminationReason = "SUFFICIENT_INFO"
	ReasonMaxSteps        TerminationReason = "MAX_STEPS"
	ReasonReplanExhausted TerminationReason = "REPLAN_EXHAUSTED"
	ReasonFatalError      TerminationReason = "FATAL_ERROR"
)

// StepOrigin 计划步骤来源
type StepOrigin string

const (
	OriginPlanned  StepOrigin = "planned"
	OriginFallback StepOrigin = "fallback"
	OriginFollowUp StepOrigin = "follow_up"
)

// PlanStep 计划中的一个子问题
type PlanStep struct {
	Description      string     `json:"description"`
	Rationale        string     `json:"rationale,omitempty"`
	Keywords         []string   `json:"keywords,omitempty"`
	RequiresExternal bool       `json:"requires_external,omitempty"`
	Section          string     `json:"document_section,omitempty"` // 限定检索的文档章节
	Origin           StepOrigin `json:"origin"`
	Executed         bool       `json:"executed"`
}

// EvidenceItem 证据日志中的一条
type EvidenceItem struct {
	Content    string     `json:"content"`
	SourceID   string     `json:"source_id"`
	Method     rag.Method `json:"retrieval_method"`
	FusedScore float64    `json:"fused_score"`
	StepIndex  int        `json:"step_index"`
	Origin     string     `json:"origin,omitempty"`
	Title      string     `json:"title,omitempty"`
}

// State 单次查询的推理状态，只由 Orchestrator 修改
type State struct {
	RunID             string            `json:"run_id"`
	OriginalQuestion  string            `json:"original_question"`
	Plan              []PlanStep        `json:"plan"`
	StepIndex         int               `json:"step_index"`
	StepCount         int               `json:"step_count"`
	MaxSteps          int               `json:"max_steps"`
	Evidence          []EvidenceItem    `json:"evidence_log"`
	Notes             []string          `json:"notes"`
	Status            Status            `json:"status"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	FinalAnswer       string            `json:"final_answer,omitempty"`
	Sources           []string          `json:"sources,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at,omitzero"`
}

func newState(runID, question string, maxSteps int, now time.Time) *State {
	return &State{
		RunID:            runID,
		OriginalQuestion: question,
		MaxSteps:         maxSteps,
		Status:           StatusRunning,
		StartedAt:        now,
	}
}

// Terminal 是否已结束
func (s *State) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusFailed
}

// Snapshot 深拷贝，调用方拿到的是只读副本
func (s *State) Snapshot() State {
	cp := *s
	cp.Plan = make([]PlanStep, len(s.Plan))
	for i, step := range s.Plan {
		step.Keywords = append([]string(nil), step.Keywords...)
		cp.Plan[i] = step
	}
	cp.Evidence = append([]EvidenceItem(nil), s.Evidence...)
	cp.Notes = append([]string(nil), s.Notes...)
	cp.Sources = append([]string(nil), s.Sources...)
	return cp
}

// HasSource 证据日志中是否存在该 source_id
func (s *State) HasSource(id string) bool {
	for _, e := range s.Evidence {
		if e.SourceID == id {
			return true
		}
	}
	return false
}

func (s *State) setPlan(steps []PlanStep) {
	if s.Terminal() {
		return
	}
	s.Plan = steps
}

// appendEvidence 追加本步证据，同一步内按 source_id 去重；返回新增条数与其中首次出现的条数
func (s *State) appendEvidence(step int, items []rag.Candidate) (added, novel int) {
	if s.Terminal() {
		return 0, 0
	}
	inStep := make(map[string]struct{})
	seen := make(map[string]struct{}, len(s.Evidence))
	for _, e := range s.Evidence {
		seen[e.SourceID] = struct{}{}
		if e.StepIndex == step {
			inStep[e.SourceID] = struct{}{}
		}
	}
	for _, c := range items {
		if _, dup := inStep[c.SourceID]; dup {
			continue
		}
		inStep[c.SourceID] = struct{}{}
		if _, ok := seen[c.SourceID]; !ok {
			novel++
		}
		s.Evidence = append(s.Evidence, EvidenceItem{
			Content:    c.Content,
			SourceID:   c.SourceID,
			Method:     c.Method,
			FusedScore: c.Score,
			StepIndex:  step,
			Origin:     c.Origin,
			Title:      c.Title,
		})
		added++
	}
	return added, novel
}

func (s *State) addNote(note string) {
	if s.Terminal() {
		return
	}
	s.Notes = append(s.Notes, note)
}

func (s *State) completeStep(followUp *PlanStep) {
	if s.Terminal() || s.StepIndex >= len(s.Plan) {
		return
	}
	s.Plan[s.StepIndex].Executed = true
	if followUp != nil {
		s.Plan = append(s.Plan, *followUp)
	}
	s.StepIndex++
}

func (s *State) finish(status Status, reason TerminationReason, answer string, sources []string, now time.Time) {
	if s.Terminal() {
		return
	}
	s.Status = status
	s.TerminationReason = reason
	s.FinalAnswer = answer
	s.Sources = sources
	s.FinishedAt = now
}

// pendingSteps 当前步之后尚未执行的步骤数
func (s *State) pendingSteps() int {
	n := 0
	for i := s.StepIndex + 1; i < len(s.Plan); i++ {
		if !s.Plan[i].Executed {
			n++
		}
	}
	return n
}

// stepDescriptions 计划中已有的步骤描述
func (s *State) stepDescriptions() []string {
	out := make([]string, len(s.Plan))
	for i, step := range s.Plan {
		out[i] = step.Description
	}
	return out
}
