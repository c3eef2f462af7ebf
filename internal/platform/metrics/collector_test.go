package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCountsRunsAndDecisions(t *testing.T) {
	c := NewCollector("deeprag", prometheus.NewRegistry())

	c.ObserveRun("DONE", "SUFFICIENT_INFO", 4, 2*time.Second)
	c.ObserveRun("DONE", "SUFFICIENT_INFO", 2, time.Second)
	c.ObserveRun("FAILED", "FATAL_ERROR", 1, time.Second)
	c.ObservePolicy("CONTINUE")
	c.ObservePolicy("CONTINUE")
	c.ObservePolicy("FINALIZE")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("DONE", "SUFFICIENT_INFO")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("FAILED", "FATAL_ERROR")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.policyDecisions.WithLabelValues("CONTINUE")))
}

func TestCollectorRetrievalAndCache(t *testing.T) {
	c := NewCollector("deeprag", prometheus.NewRegistry())

	c.ObserveRetrieval("HYBRID", "ok", 10*time.Millisecond)
	c.ObserveRetrieval("KEYWORD", "error", 5*time.Millisecond)
	c.ObserveCache(true)
	c.ObserveCache(false)
	c.ObserveCache(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.retrievalTotal.WithLabelValues("KEYWORD", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveRun("DONE", "MAX_STEPS", 1, time.Second)
		c.ObservePolicy("REPLAN")
		c.ObserveRetrieval("WEB", "ok", time.Millisecond)
		c.ObserveCache(true)
		c.ObserveGeneration("planner", "ok")
		c.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	})
}
