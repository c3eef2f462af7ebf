package research

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/platform/metrics"
	"deeprag/internal/provider"
)

// Retriever 检索能力（由 rag.Engine 实现）
type Retriever interface {
	Retrieve(ctx context.Context, req rag.Request) *rag.Result
	HasWeb() bool
}

// Generators 各角色使用的生成器，未设置的角色使用默认生成器
type Generators struct {
	Planner    provider.Generator
	Optimizer  provider.Generator
	Reflection provider.Generator
	Policy     provider.Generator
	Answer     provider.Generator
}

// Option Orchestrator 选项
type Option func(*Orchestrator)

// WithGenerators 为不同角色指定生成器
func WithGenerators(g Generators) Option {
	return func(o *Orchestrator) { o.gens = g }
}

// WithScorer 指定重排评分器，默认 rag.LexicalScorer
func WithScorer(s rag.Scorer) Option {
	return func(o *Orchestrator) { o.scorer = s }
}

// WithTokenCounter 指定 token 计数器，默认 rag.SimpleTokenCounter
func WithTokenCounter(c rag.TokenCounter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

// WithMetrics 设置指标采集
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger 设置 logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator 驱动 计划 → 检索 → 反思 → 决策 循环并生成最终回答
type Orchestrator struct {
	cfg    Config
	engine Retriever

	planner    *Planner
	optimizer  *Optimizer
	supervisor *Supervisor
	reranker   *rag.Reranker
	distiller  *rag.Distiller
	reflector  *Reflector
	judge      *PolicyJudge // 未启用时为 nil
	answerer   *AnswerSynthesizer

	gens    Generators
	scorer  rag.Scorer
	counter rag.TokenCounter
	metrics *metrics.Collector
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New 创建 Orchestrator；gen 为默认生成器，每次调用都带超时与重试
func New(cfg Config, gen provider.Generator, engine Retriever, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.Normalize(),
		engine: engine,
		tracer: otel.Tracer("deeprag/research"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = applog.Component(o.logger, "orchestrator")

	pick := func(g provider.Generator, component string) provider.Generator {
		if g == nil {
			g = gen
		}
		return guard(g, component, o.cfg.RetryPolicy(), o.metrics, o.logger)
	}

	o.planner = NewPlanner(pick(o.gens.Planner, "planner"), o.logger)
	o.optimizer = NewOptimizer(pick(o.gens.Optimizer, "optimizer"), o.logger)
	o.supervisor = NewSupervisor(o.cfg.NearDuplicateRatio, o.cfg.KeywordTokenThreshold)
	o.reranker = rag.NewReranker(o.scorer)
	o.distiller = rag.NewDistiller(o.cfg.DistillerConfig(), o.counter)
	o.reflector = NewReflector(pick(o.gens.Reflection, "reflection"), o.logger)
	if o.cfg.PolicyJudge {
		o.judge = NewPolicyJudge(pick(o.gens.Policy, "policy"), o.logger)
	}
	o.answerer = NewAnswerSynthesizer(pick(o.gens.Answer, "answer"), o.counter, o.cfg.AnswerContextBudget, o.logger)
	return o
}

// Config 返回生效的配置
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run 同步执行一次查询。
// 参数非法时返回 ErrInvalidQuery 且结果为 nil；运行失败时同时返回结果（状态 FAILED）与原因。
func (o *Orchestrator) Run(ctx context.Context, q Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return o.execute(ctx, q, func(Event) bool { return true })
}

// Stream 以事件序列执行查询。通道无缓冲，消费方读取时引擎才继续推进；
// 最后一个事件为 complete 或 error，随后通道关闭。
// 消费方必须读到通道关闭或取消 ctx，否则后台 goroutine 会一直阻塞。
func (o *Orchestrator) Stream(ctx context.Context, q Query) (<-chan Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		o.execute(ctx, q, func(ev Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch, nil
}

func (o *Orchestrator) execute(ctx context.Context, q Query, emit func(Event) bool) (*Result, error) {
	start := time.Now()
	question, maxSteps, temperature := q.resolve(o.cfg)
	state := newState(uuid.NewString(), question, maxSteps, start)
	logger := o.logger.With("run_id", state.RunID)

	ctx, span := o.tracer.Start(ctx, "research.run", trace.WithAttributes(
		attribute.String("run.id", state.RunID),
		attribute.Int("run.max_steps", maxSteps),
	))
	defer span.End()

	logger.Info("[Research] Run started", "question", truncate(question, 120), "max_steps", maxSteps)

	if ctx.Err() != nil {
		return o.abort(ctx, span, state, start, emit)
	}

	// 1. 计划
	steps, err := o.planner.Plan(ctx, question, maxSteps, temperature)
	if err != nil {
		logger.Warn("[Research] Planning failed, using fallback plan", "error", err)
	}
	state.setPlan(steps)
	emit(newEvent(EventTypePlan, state.RunID, 0, planSummary(steps), map[string]any{
		"steps":    state.Snapshot().Plan,
		"fallback": err != nil,
	}))

	// 2. 迭代
	var (
		prev   *Attempt
		forced rag.Method
		tried  []rag.Method
		reason TerminationReason
	)
loop:
	for {
		if ctx.Err() != nil {
			return o.abort(ctx, span, state, start, emit)
		}
		if state.StepIndex >= len(state.Plan) {
			reason = ReasonReplanExhausted
			break
		}

		state.StepCount++
		iteration := state.StepCount
		stepIndex := state.StepIndex
		step := state.Plan[stepIndex]

		itCtx, itSpan := o.tracer.Start(ctx, "research.iteration", trace.WithAttributes(
			attribute.Int("iteration", iteration),
			attribute.Int("step.index", stepIndex),
		))

		query := o.optimizer.Optimize(itCtx, step, state.Notes, temperature)
		sel := o.supervisor.Select(SupervisorInput{
			Query:        query,
			Step:         step,
			Previous:     prev,
			WebAvailable: o.engine.HasWeb(),
			Forced:       forced,
		})

		res := o.engine.Retrieve(itCtx, rag.Request{
			Query:   query,
			Method:  sel.Method,
			TopK:    o.cfg.TopK,
			Section: step.Section,
		})
		// 召回用改写后的查询，精排按子问题本身打分
		ranked := o.reranker.Rerank(itCtx, step.Description, res.Candidates, o.cfg.RerankTopN)
		digest := o.distiller.Distill(ranked)
		added, novel := state.appendEvidence(stepIndex, digest.Items)
		tried = append(tried, sel.Method)

		if added == 0 {
			logger.Warn("[Research] Step yielded no evidence", "error", &RetrievalExhaustedError{
				Step: stepIndex, Query: query, Failures: res.Failures,
			})
		}
		emit(newEvent(EventTypeRetrieval, state.RunID, iteration, query, map[string]any{
			"step_index": stepIndex,
			"strategy":   sel.Method,
			"reason":     sel.Reason,
			"candidates": len(res.Candidates),
			"evidence":   added,
			"failures":   res.Failures,
		}))

		refl := o.reflector.Reflect(itCtx, ReflectInput{
			Question: question,
			Step:     step,
			Digest:   digest,
			Notes:    state.Notes,
		})
		emit(newEvent(EventTypeReflection, state.RunID, iteration, refl.Note, map[string]any{
			"knowledge_gaps": refl.Gaps,
			"is_sufficient":  refl.Sufficient,
		}))

		var verdict *Verdict
		if o.judge != nil && !refl.Sufficient && state.StepCount < state.MaxSteps && len(state.Evidence) > 0 {
			verdict = o.judge.Judge(itCtx, JudgeInput{
				Question: question,
				Notes:    append(slices.Clone(state.Notes), refl.Note),
				Step:     state.StepCount,
				MaxSteps: state.MaxSteps,
				PlanSize: len(state.Plan),
			})
		}

		t := Decide(PolicyInput{
			StepCount:     state.StepCount,
			MaxSteps:      state.MaxSteps,
			Reflection:    refl,
			EvidenceCount: added,
			TotalEvidence: len(state.Evidence),
			Strategy:      sel.Method,
			Tried:         tried,
			WebAvailable:  o.engine.HasWeb(),
			PendingSteps:  state.pendingSteps(),
			KnownSteps:    state.stepDescriptions(),
			Verdict:       verdict,
		})
		o.metrics.ObservePolicy(string(t.Decision))
		itSpan.SetAttributes(
			attribute.String("retrieval.strategy", string(sel.Method)),
			attribute.Int("evidence.added", added),
			attribute.String("policy.decision", string(t.Decision)),
		)
		itSpan.End()

		logger.Info("[Research] Iteration finished",
			"iteration", iteration,
			"step_index", stepIndex,
			"strategy", sel.Method,
			"evidence", added,
			"decision", t.Decision,
			"detail", t.Detail,
		)

		prev = &Attempt{Method: sel.Method, Total: added, Novel: novel}
		switch t.Decision {
		case DecisionReplan:
			forced = t.Strategy
		case DecisionContinue:
			state.addNote(refl.Note)
			state.completeStep(t.FollowUp)
			forced, tried = "", nil
		case DecisionFinalize:
			state.addNote(refl.Note)
			state.completeStep(nil)
			reason = t.Reason
			break loop
		}
	}

	// 3. 回答
	if ctx.Err() != nil {
		return o.abort(ctx, span, state, start, emit)
	}
	ans, err := o.answerer.Synthesize(ctx, AnswerInput{
		Question:    question,
		Evidence:    state.Evidence,
		Notes:       state.Notes,
		Temperature: temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.abort(ctx, span, state, start, emit)
		}
		degraded := ""
		if o.cfg.DegradedAnswer {
			degraded = degradedAnswer(state.Notes)
		}
		state.finish(StatusFailed, ReasonFatalError, degraded, nil, time.Now())
		result := o.finalize(span, state, start, err)
		ev := newEvent(EventTypeError, state.RunID, state.StepCount, err.Error(), map[string]any{
			"degraded": degraded != "",
		})
		ev.Result = result
		emit(ev)
		return result, err
	}

	emit(newEvent(EventTypeAnswer, state.RunID, state.StepCount, ans.Text, map[string]any{
		"sources": ans.Sources,
	}))
	state.finish(StatusDone, reason, ans.Text, ans.Sources, time.Now())
	result := o.finalize(span, state, start, nil)

	ev := newEvent(EventTypeComplete, state.RunID, state.StepCount, "research completed", map[string]any{
		"termination_reason": reason,
		"steps_taken":        state.StepCount,
	})
	ev.Result = result
	emit(ev)
	return result, nil
}

// abort 调用方取消：ABORT → FAILED / FATAL_ERROR
func (o *Orchestrator) abort(ctx context.Context, span trace.Span, state *State, start time.Time, emit func(Event) bool) (*Result, error) {
	err := fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	o.metrics.ObservePolicy(string(DecisionAbort))
	state.finish(StatusFailed, ReasonFatalError, "", nil, time.Now())
	result := o.finalize(span, state, start, err)

	ev := newEvent(EventTypeError, state.RunID, state.StepCount, err.Error(), map[string]any{
		"decision": DecisionAbort,
	})
	ev.Result = result
	emit(ev)
	return result, err
}

func (o *Orchestrator) finalize(span trace.Span, state *State, start time.Time, err error) *Result {
	elapsed := time.Since(start)
	result := &Result{
		State:          state.Snapshot(),
		Citations:      citations(state),
		ProcessingTime: elapsed,
	}
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("run.status", string(state.Status)),
		attribute.String("run.termination_reason", string(state.TerminationReason)),
		attribute.Int("run.steps", state.StepCount),
	)
	o.metrics.ObserveRun(string(state.Status), string(state.TerminationReason), state.StepCount, elapsed)

	o.logger.Info("[Research] Run finished",
		"run_id", state.RunID,
		"status", state.Status,
		"termination_reason", state.TerminationReason,
		"steps", state.StepCount,
		"evidence", len(state.Evidence),
		"sources", len(state.Sources),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return result
}

func planSummary(steps []PlanStep) string {
	lines := make([]string, len(steps))
	for i, s := range steps {
		lines[i] = fmt.Sprintf("%d. %s", i+1, s.Description)
	}
	return strings.Join(lines, "\n")
}
