package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"deeprag/internal/domain/research"
	applog "deeprag/internal/platform/log"
)

// Researcher 研究引擎（research.Orchestrator 实现）
type Researcher interface {
	Run(ctx context.Context, q research.Query) (*research.Result, error)
	Stream(ctx context.Context, q research.Query) (<-chan research.Event, error)
}

// RunStore 运行历史存储（postgres.RunStore 实现）
type RunStore interface {
	Save(ctx context.Context, res *research.Result) error
	Get(ctx context.Context, id string) (*research.Result, error)
	List(ctx context.Context, limit int) ([]research.RunSummary, error)
}

// QueryHandler 研究查询 API
type QueryHandler struct {
	researcher Researcher
	runs       RunStore
	runTimeout time.Duration
}

// NewQueryHandler 创建查询 handler；researcher 或 runs 为 nil 时对应接口返回 503
func NewQueryHandler(researcher Researcher, runs RunStore, runTimeout time.Duration) *QueryHandler {
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	return &QueryHandler{researcher: researcher, runs: runs, runTimeout: runTimeout}
}

// RegisterRoutes 注册路由
func (h *QueryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", h.Query)
		r.Post("/query/stream", h.QueryStream)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
	})
}

// --- 同步查询 ---

func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	if h.researcher == nil {
		writeError(w, http.StatusServiceUnavailable, "research engine not ready")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	execCtx, cancel := context.WithTimeout(r.Context(), h.runTimeout)
	defer cancel()

	res, err := h.researcher.Run(execCtx, req.toQuery())
	h.persist(res)

	if err != nil {
		status := statusFor(err)
		applog.Warn("[API] Query failed", "status", status, "error", err)
		if res != nil && status == http.StatusInternalServerError {
			// 降级回答仍随错误一起返回
			writeEnvelope(w, status, err.Error(), toQueryResponse(res))
			return
		}
		writeError(w, status, err.Error())
		return
	}

	applog.Info("[API] Query completed",
		"run_id", res.State.RunID,
		"steps", res.StepsTaken(),
		"reason", res.State.TerminationReason,
		"elapsed_ms", res.ProcessingTime.Milliseconds(),
	)
	writeJSON(w, http.StatusOK, toQueryResponse(res))
}

// --- 流式查询 (SSE) ---

func (h *QueryHandler) QueryStream(w http.ResponseWriter, r *http.Request) {
	if h.researcher == nil {
		writeError(w, http.StatusServiceUnavailable, "research engine not ready")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	execCtx, cancel := context.WithTimeout(r.Context(), h.runTimeout)
	defer cancel()

	start := time.Now()
	events, err := h.researcher.Stream(execCtx, req.toQuery())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var (
		final *research.Result
		runID string
	)
	for evt := range events {
		runID = evt.RunID
		if evt.Terminal() && evt.Result != nil {
			final = evt.Result
		}
		sseWriteEvent(w, flusher, string(evt.Type), toStreamEvent(evt))
	}
	h.persist(final)

	done := map[string]interface{}{
		"run_id":     runID,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if final != nil {
		done["status"] = final.State.Status
		done["termination_reason"] = final.State.TerminationReason
	} else {
		done["status"] = research.StatusFailed
	}
	sseWriteEvent(w, flusher, "done", done)
}

// --- 运行历史 ---

func (h *QueryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	id := chi.URLParam(r, "id")

	res, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *QueryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []research.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// persist 异步落库（不阻塞响应）
func (h *QueryHandler) persist(res *research.Result) {
	if h.runs == nil || res == nil || res.State.RunID == "" {
		return
	}
	snapshot := *res
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.runs.Save(ctx, &snapshot); err != nil {
			applog.Warn("[API] Failed to persist run", "run_id", snapshot.State.RunID, "error", err)
		}
	}()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, research.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, research.ErrCancelled):
		// 客户端断开
		return 499
	default:
		return http.StatusInternalServerError
	}
}
