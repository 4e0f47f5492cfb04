package ratelimit

import (
	"context"
	"time"

	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// AdaptiveThrottle samples host CPU and memory on an interval and pushes a
// scaled-down factor into a Limiter once either threshold is crossed,
// restoring factor 1.0 once the host recovers.
type AdaptiveThrottle struct {
	limiter      *Limiter
	cpuThreshold float64
	memThreshold float64
	factor       float64
	interval     time.Duration
}

// NewAdaptiveThrottle builds a sampler. cpuThreshold/memThreshold are
// percentages (0-100); factor is applied to the limiter's windows while
// either is exceeded.
func NewAdaptiveThrottle(l *Limiter, cpuThreshold, memThreshold, factor float64) *AdaptiveThrottle {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	return &AdaptiveThrottle{
		limiter:      l,
		cpuThreshold: cpuThreshold,
		memThreshold: memThreshold,
		factor:       factor,
		interval:     5 * time.Second,
	}
}

// Run samples until ctx is cancelled. Intended to be started as a goroutine
// from main.
func (a *AdaptiveThrottle) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sample(ctx)
		}
	}
}

func (a *AdaptiveThrottle) sample(ctx context.Context) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		logging.Warn(ctx, "adaptive throttle: cpu sample failed", zap.Error(err))
		return
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logging.Warn(ctx, "adaptive throttle: mem sample failed", zap.Error(err))
		return
	}

	cpuPct := 0.0
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	if cpuPct >= a.cpuThreshold || vm.UsedPercent >= a.memThreshold {
		a.limiter.SetAdaptiveFactor(a.factor)
		logging.Warn(ctx, "adaptive throttle engaged",
			zap.Float64("cpu_percent", cpuPct),
			zap.Float64("mem_percent", vm.UsedPercent),
			zap.Float64("factor", a.factor))
		return
	}

	a.limiter.SetAdaptiveFactor(1.0)
}
