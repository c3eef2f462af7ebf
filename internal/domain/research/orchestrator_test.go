package research_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"deeprag/internal/domain/rag"
	"deeprag/internal/domain/research"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/provider"
)

// scriptedGen 按提示词类型分派到各角色的脚本
type scriptedGen struct {
	plan     func(prompt string) (string, error)
	optimize func(subQuestion string) (string, error)
	reflect  func(subQuestion string) (string, error)
	policy   func(prompt string) (string, error)
	answer   func(prompt string) (string, error)

	mu    sync.Mutex
	calls map[string]int
}

func (g *scriptedGen) Generate(_ context.Context, prompt string, _ float64) (string, error) {
	role := roleOf(prompt)
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[role]++
	g.mu.Unlock()

	switch role {
	case "planner":
		if g.plan != nil {
			return g.plan(prompt)
		}
		return "not json", nil
	case "optimizer":
		if g.optimize != nil {
			return g.optimize(lineAfter(prompt, "Sub-question: "))
		}
		return lineAfter(prompt, "Sub-question: "), nil
	case "reflection":
		if g.reflect != nil {
			return g.reflect(lineAfter(prompt, "Current sub-question: "))
		}
		return `{"summary":"found something","knowledge_gaps":[],"is_sufficient":true}`, nil
	case "policy":
		if g.policy != nil {
			return g.policy(prompt)
		}
		return `{"decision":"continue","reasoning":"more steps planned"}`, nil
	case "answer":
		if g.answer != nil {
			return g.answer(prompt)
		}
		return "Final answer.", nil
	}
	return "", fmt.Errorf("unexpected prompt: %.40s", prompt)
}

func (g *scriptedGen) count(role string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[role]
}

func roleOf(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, "You are an expert research planner"):
		return "planner"
	case strings.HasPrefix(prompt, "You are a search query optimization expert"):
		return "optimizer"
	case strings.HasPrefix(prompt, "You are a research analyst"):
		return "reflection"
	case strings.HasPrefix(prompt, "You are a research strategist"):
		return "policy"
	case strings.HasPrefix(prompt, "You are an expert analyst"):
		return "answer"
	}
	return ""
}

func lineAfter(prompt, prefix string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

type fakeEngine struct {
	web bool
	fn  func(req rag.Request) []rag.Candidate

	mu       sync.Mutex
	requests []rag.Request
}

func (e *fakeEngine) Retrieve(_ context.Context, req rag.Request) *rag.Result {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	res := &rag.Result{Method: req.Method, Sources: map[string]int{}}
	if e.fn != nil {
		res.Candidates = e.fn(req)
	}
	return res
}

func (e *fakeEngine) HasWeb() bool { return e.web }

func (e *fakeEngine) methods() []rag.Method {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]rag.Method, len(e.requests))
	for i, r := range e.requests {
		out[i] = r.Method
	}
	return out
}

func doc(id, content string) rag.Candidate {
	return rag.Candidate{SourceID: id, Content: content, Origin: "corpus", Method: rag.MethodHybrid, Score: 0.03}
}

func testConfig() research.Config {
	cfg := research.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.CallTimeout = 5 * time.Second
	return cfg
}

func newOrchestrator(gen provider.Generator, engine research.Retriever) *research.Orchestrator {
	return research.New(testConfig(), gen, engine, research.WithLogger(applog.Discard()))
}

func planJSON(steps ...string) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = fmt.Sprintf(`{"sub_question":%q,"justification":"needed","tool":"search_documents","keywords":[]}`, s)
	}
	return `{"steps":[` + strings.Join(parts, ",") + `]}`
}

func reflectionJSON(summary string, sufficient bool, gaps ...string) string {
	quoted := make([]string, len(gaps))
	for i, g := range gaps {
		quoted[i] = fmt.Sprintf("%q", g)
	}
	return fmt.Sprintf(`{"summary":%q,"knowledge_gaps":[%s],"is_sufficient":%t}`, summary, strings.Join(quoted, ","), sufficient)
}

func TestRun_GreenHydrogenScenario(t *testing.T) {
	const (
		stepCost   = "What is the current production cost of green hydrogen?"
		stepPolicy = "Which government policies support green hydrogen in India?"
		gapImpact  = "India-specific policy impact"
		gapCap     = "Electrolyzer manufacturing capacity in India"
	)

	gen := &scriptedGen{
		plan: func(string) (string, error) { return planJSON(stepCost, stepPolicy), nil },
		reflect: func(sub string) (string, error) {
			switch sub {
			case stepCost:
				return reflectionJSON("Green hydrogen costs fell sharply over the decade.", false), nil
			case stepPolicy:
				return reflectionJSON("India runs a national hydrogen mission with subsidies.", false, gapImpact), nil
			case gapImpact:
				return reflectionJSON("Subsidies lowered project costs in several states.", false, gapCap), nil
			default:
				return reflectionJSON("Domestic electrolyzer capacity is expanding quickly.", true), nil
			}
		},
		answer: func(string) (string, error) {
			return "Costs are falling [doc:cost] and policy support is strong [doc:policy, doc:missing]. Capacity grows [doc:capacity].", nil
		},
	}
	engine := &fakeEngine{fn: func(req rag.Request) []rag.Candidate {
		switch req.Query {
		case stepCost:
			return []rag.Candidate{doc("doc:cost", "Green hydrogen production cost dropped from six to four dollars per kilogram over the decade.")}
		case stepPolicy:
			return []rag.Candidate{doc("doc:policy", "The national green hydrogen mission in India offers production linked incentives for producers.")}
		case gapImpact:
			return []rag.Candidate{doc("doc:impact", "State level subsidies in India reduced levelised hydrogen cost for early projects significantly.")}
		case gapCap:
			return []rag.Candidate{doc("doc:capacity", "Indian manufacturers announced gigawatt scale electrolyzer factories to serve domestic demand.")}
		}
		return nil
	}}

	q := research.Query{Question: "How will green hydrogen reshape India's energy transition?", MaxSteps: 5}
	ch, err := newOrchestrator(gen, engine).Stream(context.Background(), q)
	require.NoError(t, err)

	var events []research.Event
	for ev := range ch {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	assert.Equal(t, research.EventTypePlan, events[0].Type)
	last := events[len(events)-1]
	require.Equal(t, research.EventTypeComplete, last.Type)
	require.NotNil(t, last.Result)

	for i, ev := range events[:len(events)-1] {
		assert.False(t, ev.Terminal(), "event %d must not be terminal", i)
	}

	st := last.Result.State
	assert.Equal(t, research.StatusDone, st.Status)
	assert.Equal(t, research.ReasonSufficientInfo, st.TerminationReason)
	assert.Equal(t, 4, st.StepCount)
	assert.LessOrEqual(t, st.StepCount, st.MaxSteps)
	require.Len(t, st.Plan, 4)
	assert.Equal(t, research.OriginFollowUp, st.Plan[2].Origin)
	assert.Equal(t, gapImpact, st.Plan[2].Description)
	assert.Equal(t, gapCap, st.Plan[3].Description)
	assert.Len(t, st.Notes, 4)
	assert.Len(t, st.Evidence, 4)

	assert.Equal(t, []string{"doc:cost", "doc:policy", "doc:capacity"}, st.Sources)
	assert.NotContains(t, st.FinalAnswer, "doc:missing")
	for _, id := range st.Sources {
		assert.True(t, st.HasSource(id), "cited %s must be in the evidence log", id)
	}
	require.Len(t, last.Result.Citations, 3)
	assert.Equal(t, "doc:cost", last.Result.Citations[0].SourceID)

	var kinds []research.EventType
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, research.EventTypeAnswer, kinds[len(kinds)-2])
	assert.Equal(t, 8, countType(events, research.EventTypeRetrieval)+countType(events, research.EventTypeReflection))
}

func countType(events []research.Event, t research.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestRun_FallbackPlanKeepsQuestionVerbatim(t *testing.T) {
	question := "  What is the boiling point of \"liquid nitrogen\"?  "

	tests := []struct {
		name string
		plan func(string) (string, error)
	}{
		{name: "unparsable", plan: func(string) (string, error) { return "Sure! Here is a plan: step one...", nil }},
		{name: "generator error", plan: func(string) (string, error) { return "", errors.New("model unavailable") }},
		{name: "empty steps", plan: func(string) (string, error) { return `{"steps":[]}`, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGen{plan: tt.plan}
			engine := &fakeEngine{fn: func(rag.Request) []rag.Candidate {
				return []rag.Candidate{doc("doc:n2", "Liquid nitrogen boils at minus 196 degrees Celsius at atmospheric pressure.")}
			}}

			res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: question})
			require.NoError(t, err)

			require.Len(t, res.State.Plan, 1)
			assert.Equal(t, question, res.State.Plan[0].Description)
			assert.Equal(t, research.OriginFallback, res.State.Plan[0].Origin)
			assert.Equal(t, question, res.State.OriginalQuestion)
			assert.Equal(t, research.StatusDone, res.State.Status)
		})
	}
}

func TestRun_MaxSteps(t *testing.T) {
	n := 0
	gen := &scriptedGen{
		plan: func(string) (string, error) { return planJSON("first angle of the question"), nil },
		reflect: func(string) (string, error) {
			n++
			return reflectionJSON("partial findings", false, fmt.Sprintf("open gap number %d", n)), nil
		},
	}
	engine := &fakeEngine{fn: func(req rag.Request) []rag.Candidate {
		return []rag.Candidate{doc("doc:"+req.Query, "Some passage about "+req.Query+" with enough words to be kept by the distiller.")}
	}}

	res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: "open ended question", MaxSteps: 3})
	require.NoError(t, err)

	assert.Equal(t, research.StatusDone, res.State.Status)
	assert.Equal(t, research.ReasonMaxSteps, res.State.TerminationReason)
	assert.Equal(t, 3, res.StepsTaken())
	assert.Len(t, res.State.Notes, 3)
	assert.Equal(t, 1, gen.count("answer"))
}

func TestRun_ReplanToWeb(t *testing.T) {
	gen := &scriptedGen{
		plan: func(string) (string, error) { return planJSON("latest electrolyzer tender results"), nil },
	}
	engine := &fakeEngine{web: true, fn: func(req rag.Request) []rag.Candidate {
		if req.Method != rag.MethodWeb {
			return nil
		}
		c := doc("web:tender", "The latest tender awarded electrolyzer capacity to three domestic manufacturers this year.")
		c.Method = rag.MethodWeb
		return []rag.Candidate{c}
	}}

	res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: "Who won the tender?"})
	require.NoError(t, err)

	assert.Equal(t, []rag.Method{rag.MethodHybrid, rag.MethodWeb}, engine.methods())
	assert.Equal(t, 2, res.State.StepCount)
	assert.Len(t, res.State.Notes, 1, "a replanned iteration does not record a note")
	assert.Equal(t, research.ReasonSufficientInfo, res.State.TerminationReason)
	require.Len(t, res.State.Evidence, 1)
	assert.Equal(t, rag.MethodWeb, res.State.Evidence[0].Method)
}

func TestRun_ReplanExhausted(t *testing.T) {
	gen := &scriptedGen{
		plan:   func(string) (string, error) { return planJSON("an unanswerable step"), nil },
		answer: func(string) (string, error) { return "Nothing was found [doc:made-up].", nil },
	}
	engine := &fakeEngine{}

	res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: "unanswerable"})
	require.NoError(t, err)

	assert.Equal(t, research.StatusDone, res.State.Status)
	assert.Equal(t, research.ReasonReplanExhausted, res.State.TerminationReason)
	assert.Empty(t, res.State.Sources)
	assert.Empty(t, res.Citations)
	assert.Equal(t, "Nothing was found.", res.Answer())
	assert.Zero(t, gen.count("reflection"), "empty digests are reflected without the model")
}

func TestRun_AnswerFailureIsDegraded(t *testing.T) {
	gen := &scriptedGen{
		plan:   func(string) (string, error) { return planJSON("only step"), nil },
		answer: func(string) (string, error) { return "", errors.New("rate limited") },
	}
	engine := &fakeEngine{fn: func(rag.Request) []rag.Candidate {
		return []rag.Candidate{doc("doc:a", "A passage that answers the only step of this research run completely.")}
	}}

	res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: "q"})
	require.Error(t, err)

	var fatal *research.GenerationFatalError
	require.ErrorAs(t, err, &fatal)
	require.NotNil(t, res)
	assert.Equal(t, research.StatusFailed, res.State.Status)
	assert.Equal(t, research.ReasonFatalError, res.State.TerminationReason)
	assert.Contains(t, res.Answer(), "found something")
	assert.Empty(t, res.State.Sources)
	assert.NotEmpty(t, res.Error)
}

func TestRun_Cancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		gen := &scriptedGen{}
		res, err := newOrchestrator(gen, &fakeEngine{}).Run(ctx, research.Query{Question: "q"})
		require.ErrorIs(t, err, research.ErrCancelled)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, research.StatusFailed, res.State.Status)
		assert.Equal(t, research.ReasonFatalError, res.State.TerminationReason)
		assert.Zero(t, gen.count("planner"))
	})

	t.Run("during retrieval", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		gen := &scriptedGen{
			plan:    func(string) (string, error) { return planJSON("step one", "step two", "step three"), nil },
			reflect: func(string) (string, error) { return reflectionJSON("partial", false), nil },
		}
		engine := &fakeEngine{fn: func(rag.Request) []rag.Candidate {
			cancel()
			return []rag.Candidate{doc("doc:x", "Evidence retrieved right before the caller went away from this run.")}
		}}

		ch, err := newOrchestrator(gen, engine).Stream(ctx, research.Query{Question: "q"})
		require.NoError(t, err)

		var last research.Event
		for ev := range ch {
			last = ev
		}
		// 取消后终止事件可能无法送达，通道必须关闭
		if last.Terminal() {
			assert.Equal(t, research.EventTypeError, last.Type)
			require.NotNil(t, last.Result)
			assert.Equal(t, research.StatusFailed, last.Result.State.Status)
		}
		assert.Zero(t, gen.count("answer"))
	})
}

func TestRun_InvalidQuery(t *testing.T) {
	o := newOrchestrator(&scriptedGen{}, &fakeEngine{})

	res, err := o.Run(context.Background(), research.Query{Question: "   "})
	require.ErrorIs(t, err, research.ErrInvalidQuery)
	assert.Nil(t, res)

	ch, err := o.Stream(context.Background(), research.Query{Question: "q", MaxSteps: 21})
	require.ErrorIs(t, err, research.ErrInvalidQuery)
	assert.Nil(t, ch)
}

func TestRun_PerRoleGenerators(t *testing.T) {
	fallback := &scriptedGen{}
	answer := provider.GeneratorFunc(func(context.Context, string, float64) (string, error) {
		return "answered by the dedicated model", nil
	})
	engine := &fakeEngine{fn: func(rag.Request) []rag.Candidate {
		return []rag.Candidate{doc("doc:a", "A passage long enough to survive context compression in the run.")}
	}}

	o := research.New(testConfig(), fallback, engine,
		research.WithLogger(applog.Discard()),
		research.WithGenerators(research.Generators{Answer: answer}),
	)
	res, err := o.Run(context.Background(), research.Query{Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, "answered by the dedicated model", res.Answer())
	assert.Zero(t, fallback.count("answer"))
	assert.Equal(t, 1, fallback.count("planner"))
}

func TestRun_TerminatesWithinStepBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxSteps := rapid.IntRange(1, 8).Draw(t, "max_steps")
		planned := rapid.IntRange(1, maxSteps).Draw(t, "planned")
		outcomes := rapid.SliceOfN(rapid.IntRange(0, 3), 24, 24).Draw(t, "outcomes")
		web := rapid.Bool().Draw(t, "web")

		steps := make([]string, planned)
		for i := range steps {
			steps[i] = fmt.Sprintf("planned step %d", i)
		}

		var mu sync.Mutex
		call := 0
		next := func() int {
			mu.Lock()
			defer mu.Unlock()
			o := outcomes[call%len(outcomes)]
			call++
			return o
		}

		gen := &scriptedGen{
			plan: func(string) (string, error) { return planJSON(steps...), nil },
			reflect: func(sub string) (string, error) {
				switch next() {
				case 0:
					return reflectionJSON("done", true), nil
				case 1:
					return reflectionJSON("partial", false, "gap about "+sub), nil
				case 2:
					return "", errors.New("flaky")
				default:
					return reflectionJSON("partial", false), nil
				}
			},
			answer: func(string) (string, error) { return "answer [doc:0] [web:x] [doc:zzz]", nil },
		}
		engine := &fakeEngine{web: web, fn: func(req rag.Request) []rag.Candidate {
			if next() == 0 {
				return nil
			}
			return []rag.Candidate{doc(fmt.Sprintf("doc:%d", len(req.Query)%3), "Passage for "+req.Query+" that carries enough words to survive.")}
		}}

		res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: "q", MaxSteps: maxSteps})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		st := res.State
		if st.StepCount > maxSteps {
			t.Fatalf("step_count %d exceeds max_steps %d", st.StepCount, maxSteps)
		}
		if st.Status != research.StatusDone {
			t.Fatalf("status = %s", st.Status)
		}
		for _, id := range st.Sources {
			if !st.HasSource(id) {
				t.Fatalf("cited %s is not in the evidence log", id)
			}
		}
		if len(st.Notes) > st.StepCount {
			t.Fatalf("%d notes for %d iterations", len(st.Notes), st.StepCount)
		}
	})
}

func TestRun_StepOverrides(t *testing.T) {
	gen := &scriptedGen{
		plan: func(prompt string) (string, error) {
			if !strings.Contains(prompt, "at most 2 steps") {
				return "", errors.New("unexpected step budget")
			}
			return planJSON("a", "b", "c"), nil
		},
		reflect: func(string) (string, error) { return reflectionJSON("partial", false), nil },
	}
	engine := &fakeEngine{fn: func(req rag.Request) []rag.Candidate {
		return []rag.Candidate{doc("doc:"+req.Query, "Passage text that is long enough to be kept by compression.")}
	}}

	res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: "q", MaxSteps: 2})
	require.NoError(t, err)
	assert.Len(t, res.State.Plan, 2, "plan is truncated to max_steps")
	assert.Equal(t, 2, res.State.MaxSteps)
	assert.LessOrEqual(t, res.State.StepCount, 2)
}

type recordingScorer struct {
	mu      sync.Mutex
	queries []string
}

func (s *recordingScorer) Score(_ context.Context, query string, items []rag.Candidate) ([]float64, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return make([]float64, len(items)), nil
}

func TestRun_RerankScoresAgainstSubQuestion(t *testing.T) {
	const step = "What is green hydrogen cost?"
	gen := &scriptedGen{
		plan:     func(string) (string, error) { return planJSON(step), nil },
		optimize: func(string) (string, error) { return "electrolysis LCOH synonyms expanded", nil },
	}
	engine := &fakeEngine{fn: func(rag.Request) []rag.Candidate {
		return []rag.Candidate{doc("doc:lcoh", "Levelised cost of green hydrogen ranges from four to six dollars per kilogram.")}
	}}
	scorer := &recordingScorer{}

	o := research.New(testConfig(), gen, engine,
		research.WithLogger(applog.Discard()),
		research.WithScorer(scorer),
	)
	_, err := o.Run(context.Background(), research.Query{Question: "q"})
	require.NoError(t, err)

	require.NotEmpty(t, engine.requests)
	assert.Equal(t, "electrolysis LCOH synonyms expanded", engine.requests[0].Query, "retrieval uses the rewritten query")
	assert.Equal(t, []string{step}, scorer.queries, "reranking uses the sub-question")
}

func TestRun_PlanSectionReachesRetrieval(t *testing.T) {
	gen := &scriptedGen{
		plan: func(string) (string, error) {
			return `{"steps":[
				{"sub_question":"national mission targets","tool":"search_documents","document_section":"Policy Landscape"},
				{"sub_question":"state incentives","tool":"search_documents","document_section":"Unknown"},
				{"sub_question":"export plans","tool":"search_documents"}
			]}`, nil
		},
		reflect: func(string) (string, error) { return reflectionJSON("partial", false), nil },
	}
	engine := &fakeEngine{fn: func(req rag.Request) []rag.Candidate {
		return []rag.Candidate{doc("doc:"+req.Query, "Passage about "+req.Query+" long enough to be kept by compression.")}
	}}

	res, err := newOrchestrator(gen, engine).Run(context.Background(), research.Query{Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, "Policy Landscape", res.State.Plan[0].Section)
	assert.Empty(t, res.State.Plan[1].Section, "Unknown is not a filter")

	var sections []string
	for _, r := range engine.requests {
		sections = append(sections, r.Section)
	}
	assert.Equal(t, []string{"Policy Landscape", "", ""}, sections)
}

func TestRun_PolicyJudge(t *testing.T) {
	steps := []string{"cost drivers", "policy support", "export outlook"}
	newGen := func(policy func(string) (string, error)) *scriptedGen {
		return &scriptedGen{
			plan:    func(string) (string, error) { return planJSON(steps...), nil },
			reflect: func(string) (string, error) { return reflectionJSON("partial findings", false), nil },
			policy:  policy,
		}
	}
	engine := func() *fakeEngine {
		return &fakeEngine{fn: func(req rag.Request) []rag.Candidate {
			return []rag.Candidate{doc("doc:"+req.Query, "Passage about "+req.Query+" long enough to be kept by compression.")}
		}}
	}

	t.Run("stop verdict finalizes early", func(t *testing.T) {
		gen := newGen(func(prompt string) (string, error) {
			assert.Contains(t, prompt, "Current step: 1 of 7")
			assert.Contains(t, prompt, "Total plan steps: 3")
			return `{"decision":"stop","reasoning":"cost data answers the question"}`, nil
		})

		res, err := newOrchestrator(gen, engine()).Run(context.Background(), research.Query{Question: "q"})
		require.NoError(t, err)
		assert.Equal(t, research.ReasonSufficientInfo, res.State.TerminationReason)
		assert.Equal(t, 1, res.StepsTaken())
		assert.Equal(t, 1, gen.count("policy"))
	})

	t.Run("judge failure falls back to heuristics", func(t *testing.T) {
		gen := newGen(func(string) (string, error) { return "", errors.New("judge model down") })

		res, err := newOrchestrator(gen, engine()).Run(context.Background(), research.Query{Question: "q"})
		require.NoError(t, err)
		assert.Equal(t, research.StatusDone, res.State.Status)
		assert.Equal(t, 3, res.StepsTaken(), "every planned step runs")
		assert.Equal(t, research.ReasonSufficientInfo, res.State.TerminationReason)
	})

	t.Run("unparsable verdict falls back to heuristics", func(t *testing.T) {
		gen := newGen(func(string) (string, error) { return `{"decision":"maybe"}`, nil })

		res, err := newOrchestrator(gen, engine()).Run(context.Background(), research.Query{Question: "q"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.StepsTaken())
	})

	t.Run("disabled", func(t *testing.T) {
		gen := newGen(nil)
		cfg := testConfig()
		cfg.PolicyJudge = false

		res, err := research.New(cfg, gen, engine(), research.WithLogger(applog.Discard())).
			Run(context.Background(), research.Query{Question: "q"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.StepsTaken())
		assert.Zero(t, gen.count("policy"))
	})
}

func TestStream_CancelReleasesAbandonedConsumer(t *testing.T) {
	gen := &scriptedGen{
		plan:    func(string) (string, error) { return planJSON("step one", "step two"), nil },
		reflect: func(string) (string, error) { return reflectionJSON("partial", false), nil },
	}
	engine := &fakeEngine{fn: func(req rag.Request) []rag.Candidate {
		return []rag.Candidate{doc("doc:"+req.Query, "Passage about "+req.Query+" long enough to be kept by compression.")}
	}}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newOrchestrator(gen, engine).Stream(ctx, research.Query{Question: "q"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, research.EventTypePlan, first.Type)

	// 停止读取后取消，后台 goroutine 必须退出并关闭通道
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
