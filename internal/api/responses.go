package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"deeprag/internal/domain/research"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, "ok", data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, message, nil)
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: message,
		Data:    data,
	})
}

// --- SSE 辅助 ---

func sseWriteEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(jsonData))
	flusher.Flush()
}

// --- DTO ---

type queryRequest struct {
	Question    string   `json:"question"`
	MaxSteps    int      `json:"max_steps,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (r queryRequest) toQuery() research.Query {
	return research.Query{Question: r.Question, MaxSteps: r.MaxSteps, Temperature: r.Temperature}
}

type sourceDTO struct {
	SourceID string  `json:"source_id"`
	Content  string  `json:"content"`
	Origin   string  `json:"origin,omitempty"`
	Title    string  `json:"title,omitempty"`
	Method   string  `json:"method"`
	Score    float64 `json:"score"`
}

type queryResponse struct {
	RunID             string      `json:"run_id"`
	Answer            string      `json:"answer"`
	Question          string      `json:"question"`
	StepsTaken        int         `json:"steps_taken"`
	Sources           []sourceDTO `json:"sources"`
	ProcessingTime    float64     `json:"processing_time"` // 秒
	Status            string      `json:"status"`
	TerminationReason string      `json:"termination_reason,omitempty"`
	Error             string      `json:"error,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

func toQueryResponse(res *research.Result) *queryResponse {
	if res == nil {
		return nil
	}
	sources := make([]sourceDTO, 0, len(res.Citations))
	for _, c := range res.Citations {
		sources = append(sources, sourceDTO{
			SourceID: c.SourceID,
			Content:  c.Content,
			Origin:   c.Origin,
			Title:    c.Title,
			Method:   string(c.Method),
			Score:    c.Score,
		})
	}
	ts := res.State.FinishedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &queryResponse{
		RunID:             res.State.RunID,
		Answer:            res.Answer(),
		Question:          res.State.OriginalQuestion,
		StepsTaken:        res.StepsTaken(),
		Sources:           sources,
		ProcessingTime:    res.ProcessingTime.Seconds(),
		Status:            string(res.State.Status),
		TerminationReason: string(res.State.TerminationReason),
		Error:             res.Error,
		Timestamp:         ts,
	}
}

type streamEvent struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Content   string         `json:"content"`
	Step      int            `json:"step,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Response  *queryResponse `json:"response,omitempty"`
}

func toStreamEvent(evt research.Event) streamEvent {
	return streamEvent{
		Type:      string(evt.Type),
		RunID:     evt.RunID,
		Content:   evt.Content,
		Step:      evt.Step,
		Metadata:  evt.Metadata,
		Timestamp: evt.Timestamp,
		Response:  toQueryResponse(evt.Result),
	}
}
