package rag_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deeprag/internal/domain/rag"
	"deeprag/internal/platform/retry"
)

type fakeIndex struct {
	hits      []rag.Hit
	bySection map[string][]rag.Hit // 设置后按章节过滤返回
	err       error
	calls     atomic.Int32
	delay     time.Duration

	mu      sync.Mutex
	filters []rag.Filter
}

func (f *fakeIndex) Search(ctx context.Context, _ string, k int, filter rag.Filter) ([]rag.Hit, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	hits := f.hits
	if !filter.Empty() && f.bySection != nil {
		hits = f.bySection[filter.Section]
	}
	if k < len(hits) {
		return hits[:k], nil
	}
	return hits, nil
}

func (f *fakeIndex) seenFilters() []rag.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rag.Filter(nil), f.filters...)
}

type fakeWeb struct {
	results []rag.WebResult
	err     error
}

func (f *fakeWeb) Search(context.Context, string) ([]rag.WebResult, error) {
	return f.results, f.err
}

type memCache struct {
	mu   sync.Mutex
	data map[rag.CacheKey][]rag.Hit
}

func (c *memCache) Get(_ context.Context, key rag.CacheKey) ([]rag.Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hits, ok := c.data[key]
	return hits, ok
}

func (c *memCache) Set(_ context.Context, key rag.CacheKey, hits []rag.Hit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = hits
}

func fastConfig() rag.EngineConfig {
	cfg := rag.DefaultEngineConfig()
	cfg.Retry = retry.Policy{
		Timeout:        200 * time.Millisecond,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
	return cfg
}

func TestEngineHybridFusesBothIndices(t *testing.T) {
	sem := &fakeIndex{hits: hits("d1", "d2", "d3")}
	kw := &fakeIndex{hits: hits("d2", "d3", "d1")}
	e := rag.NewEngine(fastConfig(), rag.WithSemantic(sem), rag.WithKeyword(kw))

	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodHybrid})

	assert.Equal(t, []string{"d2", "d1", "d3"}, ids(res.Candidates))
	assert.False(t, res.Degraded())
	assert.Equal(t, 3, res.Sources[rag.SourceSemantic])
	assert.Equal(t, 3, res.Sources[rag.SourceKeyword])
}

func TestEngineHybridPartialFailure(t *testing.T) {
	sem := &fakeIndex{err: errors.New("connection refused")}
	kw := &fakeIndex{hits: hits("k1", "k2")}
	e := rag.NewEngine(fastConfig(), rag.WithSemantic(sem), rag.WithKeyword(kw))

	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodHybrid})

	assert.Equal(t, []string{"k1", "k2"}, ids(res.Candidates))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, rag.SourceSemantic, res.Failures[0].Source)
	// 1 次首调 + 1 次重试
	assert.Equal(t, int32(2), sem.calls.Load())
}

func TestEngineAllSourcesFailYieldsEmpty(t *testing.T) {
	e := rag.NewEngine(fastConfig(),
		rag.WithSemantic(&fakeIndex{err: errors.New("down")}),
		rag.WithKeyword(&fakeIndex{err: errors.New("down")}),
	)

	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodHybrid})

	assert.Empty(t, res.Candidates)
	assert.Len(t, res.Failures, 2)
}

func TestEngineSlowIndexTimesOut(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.Timeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	e := rag.NewEngine(cfg,
		rag.WithSemantic(&fakeIndex{hits: hits("slow"), delay: time.Second}),
		rag.WithKeyword(&fakeIndex{hits: hits("fast")}),
	)

	start := time.Now()
	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodHybrid})

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"fast"}, ids(res.Candidates))
	require.Len(t, res.Failures, 1)
}

func TestEngineSingleMethods(t *testing.T) {
	sem := &fakeIndex{hits: hits("s1", "s2")}
	kw := &fakeIndex{hits: hits("k1")}
	e := rag.NewEngine(fastConfig(), rag.WithSemantic(sem), rag.WithKeyword(kw))

	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodKeyword})
	assert.Equal(t, []string{"k1"}, ids(res.Candidates))
	assert.Equal(t, rag.MethodKeyword, res.Candidates[0].Method)
	assert.Zero(t, sem.calls.Load())

	res = e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodSemantic, TopK: 1})
	assert.Equal(t, []string{"s1"}, ids(res.Candidates))
}

func TestEngineWebAppendedAfterLocal(t *testing.T) {
	web := &fakeWeb{results: []rag.WebResult{
		{URL: "https://example.org/a", Title: "A", Snippet: "web snippet a"},
		{URL: "https://example.org/a", Title: "A again", Snippet: "duplicate url"},
		{URL: "https://example.org/b", Title: "B", Snippet: "web snippet b"},
		{URL: "https://example.org/c", Title: "C", Snippet: ""},
	}}
	e := rag.NewEngine(fastConfig(),
		rag.WithSemantic(&fakeIndex{hits: hits("d1", "d2")}),
		rag.WithKeyword(&fakeIndex{hits: hits("d1")}),
		rag.WithWeb(web),
	)
	require.True(t, e.HasWeb())

	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodWeb})

	require.Len(t, res.Candidates, 4)
	assert.Equal(t, rag.MethodHybrid, res.Candidates[0].Method)
	assert.Equal(t, rag.MethodHybrid, res.Candidates[1].Method)
	assert.Equal(t, rag.MethodWeb, res.Candidates[2].Method)
	assert.Equal(t, rag.MethodWeb, res.Candidates[3].Method)
	assert.Equal(t, rag.WebSourceID("https://example.org/a"), res.Candidates[2].SourceID)
	assert.Equal(t, "https://example.org/b", res.Candidates[3].Origin)

	lowestLocal := res.Candidates[1].Score
	assert.Less(t, res.Candidates[2].Score, lowestLocal)
}

func TestEngineWebUnavailableKeepsLocal(t *testing.T) {
	e := rag.NewEngine(fastConfig(), rag.WithKeyword(&fakeIndex{hits: hits("k1")}))
	assert.False(t, e.HasWeb())

	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodWeb})

	assert.Equal(t, []string{"k1"}, ids(res.Candidates))
	sources := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		sources = append(sources, f.Source)
	}
	assert.ElementsMatch(t, []string{rag.SourceSemantic, rag.SourceWeb}, sources)
}

func TestEngineCacheServesRepeatQueries(t *testing.T) {
	kw := &fakeIndex{hits: hits("k1", "k2")}
	cache := &memCache{data: make(map[rag.CacheKey][]rag.Hit)}
	e := rag.NewEngine(fastConfig(), rag.WithKeyword(kw), rag.WithCache(cache))

	req := rag.Request{Query: "cached query", Method: rag.MethodKeyword, TopK: 2}
	first := e.Retrieve(context.Background(), req)

	require.Eventually(t, func() bool {
		_, ok := cache.Get(context.Background(), rag.CacheKey{Source: rag.SourceKeyword, Query: "cached query", K: 2})
		return ok
	}, time.Second, 5*time.Millisecond)

	second := e.Retrieve(context.Background(), req)
	assert.Equal(t, ids(first.Candidates), ids(second.Candidates))
	assert.Equal(t, int32(1), kw.calls.Load())
}

func TestEngineAssignsContentIDs(t *testing.T) {
	kw := &fakeIndex{hits: []rag.Hit{{Content: "no id here", Origin: "doc.md"}}}
	e := rag.NewEngine(fastConfig(), rag.WithKeyword(kw))

	res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodKeyword})

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, rag.ContentSourceID("doc.md", "no id here"), res.Candidates[0].SourceID)
}

func TestEngine_SectionFilter(t *testing.T) {
	all := []rag.Hit{{SourceID: "doc:any", Content: "Unrelated passage from another chapter."}}
	summary := []rag.Hit{{SourceID: "doc:summary", Content: "Headline findings of the report."}}

	t.Run("applied to both local sources", func(t *testing.T) {
		sem := &fakeIndex{hits: all, bySection: map[string][]rag.Hit{"Executive Summary": summary}}
		kw := &fakeIndex{hits: all, bySection: map[string][]rag.Hit{"Executive Summary": summary}}
		e := rag.NewEngine(fastConfig(), rag.WithSemantic(sem), rag.WithKeyword(kw))

		res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodHybrid, Section: " Executive Summary "})
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, "doc:summary", res.Candidates[0].SourceID)
		assert.Equal(t, []rag.Filter{{Section: "Executive Summary"}}, sem.seenFilters())
		assert.Equal(t, []rag.Filter{{Section: "Executive Summary"}}, kw.seenFilters())
	})

	t.Run("unknown section is ignored", func(t *testing.T) {
		for _, section := range []string{"", "  ", "Unknown", "Unknown section"} {
			kw := &fakeIndex{hits: all}
			e := rag.NewEngine(fastConfig(), rag.WithKeyword(kw))

			e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodKeyword, Section: section})
			assert.Equal(t, []rag.Filter{{}}, kw.seenFilters(), "section %q", section)
		}
	})

	t.Run("empty section falls back to all documents", func(t *testing.T) {
		kw := &fakeIndex{hits: all, bySection: map[string][]rag.Hit{}}
		e := rag.NewEngine(fastConfig(), rag.WithKeyword(kw))

		res := e.Retrieve(context.Background(), rag.Request{Query: "q", Method: rag.MethodKeyword, Section: "Appendix"})
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, "doc:any", res.Candidates[0].SourceID)
		assert.Equal(t, []rag.Filter{{Section: "Appendix"}, {}}, kw.seenFilters())
	})
}
