package research

import (
	"context"
	"log/slog"
	"time"

	"deeprag/internal/platform/metrics"
	"deeprag/internal/platform/retry"
	"deeprag/internal/provider"
)

// guardedGenerator 为每次生成调用加超时与有限重试，并记录指标
type guardedGenerator struct {
	inner     provider.Generator
	component string
	policy    retry.Policy
	metrics   *metrics.Collector
	logger    *slog.Logger
}

func guard(gen provider.Generator, component string, policy retry.Policy, m *metrics.Collector, logger *slog.Logger) provider.Generator {
	return &guardedGenerator{
		inner:     gen,
		component: component,
		policy:    policy,
		metrics:   m,
		logger:    logger,
	}
}

func (g *guardedGenerator) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	out, err := retry.Do(ctx, g.policy, func(ctx context.Context) (string, error) {
		return g.inner.Generate(ctx, prompt, temperature)
	}, func(attempt int, err error, wait time.Duration) {
		g.logger.Warn("[Research] Generation failed, retrying",
			"component", g.component, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		g.metrics.ObserveGeneration(g.component, "error")
		return "", &TransientIOError{Op: g.component, Err: err}
	}
	g.metrics.ObserveGeneration(g.component, "ok")
	return out, nil
}
