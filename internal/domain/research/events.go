package research

import (
	"time"

	"deeprag/internal/domain/rag"
)

// EventType 事件类型标识
type EventType string

const (
	EventTypePlan       EventType = "plan"
	EventTypeRetrieval  EventType = "retrieval"
	EventTypeReflection EventType = "reflection"
	EventTypeAnswer     EventType = "answer"
	EventTypeError      EventType = "error"
	EventTypeComplete   EventType = "complete"
)

// Event 单次查询的过程事件，以 complete 或 error 结束
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Content   string         `json:"content"`
	Step      int            `json:"step,omitempty"` // 1-based 迭代序号
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// 终止事件携带最终结果
	Result *Result `json:"result,omitempty"`
}

// Terminal 是否为终止事件
func (e Event) Terminal() bool {
	return e.Type == EventTypeComplete || e.Type == EventTypeError
}

// Source 回答引用的证据
type Source struct {
	SourceID string     `json:"source_id"`
	Content  string     `json:"content"`
	Origin   string     `json:"origin,omitempty"`
	Title    string     `json:"title,omitempty"`
	Method   rag.Method `json:"method"`
	Score    float64    `json:"score"`
}

// Result 一次运行的结果
type Result struct {
	State          State         `json:"state"`
	Citations      []Source      `json:"citations"`
	ProcessingTime time.Duration `json:"processing_time"`
	Error          string        `json:"error,omitempty"`
}

// Answer 最终回答文本
func (r *Result) Answer() string { return r.State.FinalAnswer }

// StepsTaken 已执行的迭代数
func (r *Result) StepsTaken() int { return r.State.StepCount }

// Failed 是否失败
func (r *Result) Failed() bool { return r.State.Status == StatusFailed }

func newEvent(t EventType, runID string, step int, content string, meta map[string]any) Event {
	return Event{
		Type:      t,
		RunID:     runID,
		Content:   content,
		Step:      step,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}
}

// citations 将引用 id 解析为证据条目（取最高分的那条）
func citations(state *State) []Source {
	if len(state.Sources) == 0 {
		return nil
	}
	best := make(map[string]EvidenceItem, len(state.Evidence))
	for _, e := range state.Evidence {
		if cur, ok := best[e.SourceID]; !ok || e.FusedScore > cur.FusedScore {
			best[e.SourceID] = e
		}
	}
	out := make([]Source, 0, len(state.Sources))
	for _, id := range state.Sources {
		e, ok := best[id]
		if !ok {
			continue
		}
		out = append(out, Source{
			SourceID: e.SourceID,
			Content:  e.Content,
			Origin:   e.Origin,
			Title:    e.Title,
			Method:   e.Method,
			Score:    e.FusedScore,
		})
	}
	return out
}

// RunSummary 历史运行列表项
type RunSummary struct {
	ID                string    `json:"run_id"`
	Question          string    `json:"question"`
	Status            string    `json:"status"`
	TerminationReason string    `json:"termination_reason"`
	Steps             int       `json:"steps_taken"`
	ElapsedMs         int64     `json:"elapsed_ms"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}
