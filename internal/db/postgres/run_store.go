package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deeprag/internal/domain/research"
	applog "deeprag/internal/platform/log"
)

// RunStore 研究运行历史（PostgreSQL）
type RunStore struct {
	db *sql.DB
}

// NewRunStore 创建 RunStore
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// EnsureTable 确保 research_runs 表存在
func (s *RunStore) EnsureTable(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS research_runs (
		id                 VARCHAR(64) PRIMARY KEY,
		question           TEXT NOT NULL,
		status             VARCHAR(32) NOT NULL,
		termination_reason VARCHAR(32) NOT NULL DEFAULT '',
		steps              INTEGER NOT NULL DEFAULT 0,
		elapsed_ms         BIGINT NOT NULL DEFAULT 0,
		result             JSONB NOT NULL,
		started_at         TIMESTAMP WITH TIME ZONE NOT NULL,
		finished_at        TIMESTAMP WITH TIME ZONE,
		created_at         TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_research_runs_started_at ON research_runs(started_at DESC);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Save 写入（或覆盖）一次运行的最终结果
func (s *RunStore) Save(ctx context.Context, res *research.Result) error {
	if res == nil || res.State.RunID == "" {
		return errors.New("run result without id")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}

	st := res.State
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO research_runs (id, question, status, termination_reason, steps, elapsed_ms, result, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, termination_reason = EXCLUDED.termination_reason,
		   steps = EXCLUDED.steps, elapsed_ms = EXCLUDED.elapsed_ms, result = EXCLUDED.result, finished_at = EXCLUDED.finished_at`,
		st.RunID, st.OriginalQuestion, string(st.Status), string(st.TerminationReason), st.StepCount,
		res.ProcessingTime.Milliseconds(), payload, st.StartedAt, nullTime(st.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", st.RunID, err)
	}
	applog.Debug("[Store/PG] Run saved", "run_id", st.RunID, "status", st.Status)
	return nil
}

// Get 按 id 读取运行结果，不存在时返回 nil, nil
func (s *RunStore) Get(ctx context.Context, id string) (*research.Result, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT result FROM research_runs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	var res research.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &res, nil
}

// List 按开始时间倒序列出最近的运行
func (s *RunStore) List(ctx context.Context, limit int) ([]research.RunSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, status, termination_reason, steps, elapsed_ms, started_at, finished_at
		 FROM research_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []research.RunSummary
	for rows.Next() {
		var (
			r        research.RunSummary
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Question, &r.Status, &r.TerminationReason, &r.Steps, &r.ElapsedMs, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.FinishedAt = finished.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping 检查数据库连通性
func (s *RunStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
