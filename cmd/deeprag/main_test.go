package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deeprag/internal/api"
	"deeprag/internal/domain/rag"
	"deeprag/internal/domain/research"
)

type stubResearcher struct {
	result *research.Result
	err    error
	events []research.Event
}

func (s *stubResearcher) Run(context.Context, research.Query) (*research.Result, error) {
	return s.result, s.err
}

func (s *stubResearcher) Stream(context.Context, research.Query) (<-chan research.Event, error) {
	ch := make(chan research.Event, len(s.events))
	for _, e := range s.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func sample() *research.Result {
	return &research.Result{
		State: research.State{
			RunID:             "run-1",
			StepCount:         2,
			Status:            research.StatusDone,
			TerminationReason: research.ReasonSufficientInfo,
			FinalAnswer:       "Capex dominates [doc:capex].",
			Sources:           []string{"doc:capex"},
		},
		Citations:      []research.Source{{SourceID: "doc:capex", Origin: "iea.pdf", Method: rag.MethodKeyword}},
		ProcessingTime: 1234 * time.Millisecond,
	}
}

func TestRunAsk_PrintsAnswerAndSources(t *testing.T) {
	var out bytes.Buffer
	err := runAsk(context.Background(), &stubResearcher{result: sample()}, research.Query{Question: "q"}, askOptions{}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Capex dominates [doc:capex].")
	assert.Contains(t, out.String(), "[doc:capex] iea.pdf (KEYWORD)")
	assert.Contains(t, out.String(), "2 steps · SUFFICIENT_INFO · 1.234s")
}

func TestRunAsk_DegradedResultStillPrinted(t *testing.T) {
	res := sample()
	res.State.Status = research.StatusFailed
	res.State.FinalAnswer = "Partial notes."

	var out bytes.Buffer
	err := runAsk(context.Background(), &stubResearcher{result: res, err: errors.New("answer generation failed")},
		research.Query{Question: "q"}, askOptions{}, &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Partial notes.")
}

func TestRunAsk_Stream(t *testing.T) {
	stub := &stubResearcher{events: []research.Event{
		{Type: research.EventTypePlan, Content: "1. cost drivers\n2. policy"},
		{Type: research.EventTypeRetrieval, Step: 1, Content: "3 evidence items", Metadata: map[string]any{"strategy": "HYBRID"}},
		{Type: research.EventTypeReflection, Step: 1, Content: "sufficient"},
		{Type: research.EventTypeAnswer, Content: "Capex dominates [doc:capex]."},
		{Type: research.EventTypeComplete, Result: sample()},
	}}

	var out bytes.Buffer
	require.NoError(t, runAsk(context.Background(), stub, research.Query{Question: "q"}, askOptions{stream: true}, &out))

	s := out.String()
	assert.Contains(t, s, "  1. cost drivers\n  2. policy")
	assert.Contains(t, s, "🔎 Step 1 [HYBRID] 3 evidence items")
	assert.Contains(t, s, "🤔 Step 1 sufficient")
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("Capex dominates")), "answer is printed once")
}

func TestRunAsk_StreamErrorWithoutResult(t *testing.T) {
	stub := &stubResearcher{events: []research.Event{{Type: research.EventTypeError, Content: "run cancelled"}}}
	err := runAsk(context.Background(), stub, research.Query{Question: "q"}, askOptions{stream: true}, &bytes.Buffer{})
	assert.EqualError(t, err, "run cancelled")
}

func TestRunAsk_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runAsk(context.Background(), &stubResearcher{result: sample()}, research.Query{Question: "q"}, askOptions{jsonOutput: true}, &out))
	assert.Contains(t, out.String(), `"run_id": "run-1"`)
}

func TestRunHealth(t *testing.T) {
	hc := api.NewHealthChecker("v1", time.Second)
	hc.Register("opensearch", true, func(context.Context) error { return nil })
	hc.Register("redis", false, func(context.Context) error { return errors.New("refused") })

	var out bytes.Buffer
	require.NoError(t, runHealth(context.Background(), hc, &out))
	assert.Contains(t, out.String(), "status: degraded (version v1)")
	assert.Contains(t, out.String(), "refused")

	hc.Register("generator", true, func(context.Context) error { return errors.New("no key") })
	assert.Error(t, runHealth(context.Background(), hc, &bytes.Buffer{}))
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	ask, _, err := root.Find([]string{"ask"})
	require.NoError(t, err)
	for _, flag := range []string{"max-steps", "temperature", "stream", "json", "timeout"} {
		assert.NotNil(t, ask.Flags().Lookup(flag), flag)
	}
	health, _, err := root.Find([]string{"health"})
	require.NoError(t, err)
	assert.Equal(t, "health", health.Name())
}
