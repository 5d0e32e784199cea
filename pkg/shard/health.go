package shard

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
)

// Pinger reports which shards are unreachable.
type Pinger interface {
	Shards() []string
	Ping(ctx context.Context) map[string]error
}

// HealthMonitor periodically pings every shard of the pool
type HealthMonitor struct {
	pool     Pinger
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	known map[string]bool
	down  map[string]error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor checking pool every interval
func NewHealthMonitor(pool Pinger, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *HealthMonitor {
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger.OrNop(log).With(zap.String("component", "health")),
		metrics:  m,
		known:    make(map[string]bool),
		down:     make(map[string]error),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the checking loop
func (h *HealthMonitor) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info("started", zap.Duration("interval", h.interval))
}

// Stop stops the loop and waits for a running check to end
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.check()

	for {
		select {
		case <-ticker.C:
			h.check()
		case <-h.stopCh:
			return
		}
	}
}

func (h *HealthMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	h.Check(ctx)
}

// Check pings every shard once and returns the failures
func (h *HealthMonitor) Check(ctx context.Context) map[string]error {
	shards := h.pool.Shards()
	failed := h.pool.Ping(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	known := make(map[string]bool, len(shards))
	down := make(map[string]error, len(failed))
	for _, s := range shards {
		known[s] = true
		err, isDown := failed[s]
		_, wasDown := h.down[s]

		switch {
		case isDown:
			down[s] = err
			if !wasDown {
				h.logger.Warn("shard is now DOWN", zap.String("shard", s), zap.Error(err))
			}
		case wasDown:
			h.logger.Info("shard is now UP", zap.String("shard", s))
		}
		h.metrics.SetShardUp(s, !isDown)
	}

	for s := range h.known {
		if !known[s] {
			h.metrics.ForgetShard(s)
		}
	}

	h.known = known
	h.down = down
	return down
}

// Unhealthy lists the shards that failed the last check, sorted
func (h *HealthMonitor) Unhealthy() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.down))
	for s := range h.down {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
