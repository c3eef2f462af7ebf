package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus 整体健康状态
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth 单个依赖的探测结果
type ComponentHealth struct {
	Status    string `json:"status"` // up | down
	Critical  bool   `json:"critical"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthReport /health 响应体
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

type healthCheck struct {
	name     string
	critical bool
	probe    func(ctx context.Context) error
}

// HealthChecker 并发探测各依赖
//
// critical 依赖不可达时整体为 unhealthy，其余依赖不可达时为 degraded。
type HealthChecker struct {
	version string
	timeout time.Duration
	checks  []healthCheck
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(version string, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{version: version, timeout: timeout}
}

// Register 注册一个依赖探针
func (h *HealthChecker) Register(name string, critical bool, probe func(ctx context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, critical: critical, probe: probe})
}

// Check 执行全部探针
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:     HealthHealthy,
		Version:    h.version,
		Components: make(map[string]ComponentHealth, len(h.checks)),
		Timestamp:  time.Now().UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range h.checks {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.probe(pctx)
			comp := ComponentHealth{Status: "up", Critical: c.critical, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				comp.Status = "down"
				comp.Error = err.Error()
			}

			mu.Lock()
			report.Components[c.name] = comp
			mu.Unlock()
			// 探针失败不取消其他探针
			return nil
		})
	}
	_ = g.Wait()

	for _, comp := range report.Components {
		if comp.Status == "up" {
			continue
		}
		if comp.Critical {
			report.Status = HealthUnhealthy
			break
		}
		report.Status = HealthDegraded
	}
	return report
}
