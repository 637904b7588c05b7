// Package credentials manages named pools of API keys for external services:
// active-key selection, failure-driven demotion, and timer-driven rotation.
package credentials

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/metrics"
)

// PoolConfig describes one service's key pool.
type PoolConfig struct {
	// Keys is the ordered credential list. An empty list yields no credential.
	Keys []string
	// RotationInterval enables timer-driven rotation when > 0.
	RotationInterval time.Duration
	// MaxFailures is how many failures demote a key from the healthy set.
	MaxFailures int
}

// KeyStats describes one key for observability. The credential itself is not
// exposed; only a masked form.
type KeyStats struct {
	Key      string `json:"key"`
	Usage    int    `json:"usage"`
	Failures int    `json:"failures"`
	Healthy  bool   `json:"healthy"`
	Active   bool   `json:"active"`
}

// PoolStats summarizes a pool for observability.
type PoolStats struct {
	TotalKeys    int        `json:"total_keys"`
	HealthyKeys  int        `json:"healthy_keys"`
	Keys         []KeyStats `json:"keys"`
	LastRotation time.Time  `json:"last_rotation"`
}

type pool struct {
	cfg      PoolConfig
	current  int
	usage    []int
	failures []int
	healthy  []bool
	lastRot  time.Time
}

// Manager owns one pool per service name. All pool state is guarded by a
// single mutex; timer-driven and failure-driven rotation interleave safely
// and both leave the active index pointing at a healthy key.
type Manager struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	pools map[string]*pool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager constructs a Manager with the given service pools and starts an
// automatic rotation timer for every pool with a non-zero interval.
func NewManager(pools map[string]PoolConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger: logger,
		now:    time.Now,
		pools:  make(map[string]*pool, len(pools)),
		stopCh: make(chan struct{}),
	}
	for service, cfg := range pools {
		m.register(service, cfg)
	}
	return m
}

func (m *Manager) register(service string, cfg PoolConfig) {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	p := &pool{
		cfg:      cfg,
		usage:    make([]int, len(cfg.Keys)),
		failures: make([]int, len(cfg.Keys)),
		healthy:  make([]bool, len(cfg.Keys)),
		lastRot:  m.now(),
	}
	for i := range p.healthy {
		p.healthy[i] = true
	}
	m.pools[service] = p

	if cfg.RotationInterval > 0 && len(cfg.Keys) > 0 {
		m.wg.Add(1)
		go m.rotateLoop(service, cfg.RotationInterval)
	}
}

// CurrentKey returns the active credential for the service, advancing past
// unhealthy keys first, and increments its usage counter. The second return
// is false when the service is unknown or its key list is empty.
func (m *Manager) CurrentKey(service string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[service]
	if !ok || len(p.cfg.Keys) == 0 {
		return "", false
	}
	if !p.healthy[p.current] {
		p.advanceLocked()
	}
	p.usage[p.current]++
	return p.cfg.Keys[p.current], true
}

// ReportFailure increments the failure counter for the matching key, demotes
// it from the healthy set at the failure threshold, and advances the active
// index when the failed key was active. An emptied healthy set is reset to
// the full index set so the service is never left without a usable key.
func (m *Manager) ReportFailure(service, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[service]
	if !ok {
		return
	}
	idx := -1
	for i, k := range p.cfg.Keys {
		if k == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	p.failures[idx]++
	if p.failures[idx] >= p.cfg.MaxFailures && p.healthy[idx] {
		p.healthy[idx] = false
		m.logger.Warn("credential demoted",
			zap.String("service", service),
			zap.Int("key_index", idx),
			zap.Int("failures", p.failures[idx]),
		)
		p.failOpenLocked()
	}
	if idx == p.current {
		p.advanceLocked()
		p.lastRot = m.now()
		metrics.ObserveCredentialRotation(service, "failure")
	}
}

// Rotate advances the active index to the next healthy key in cyclic order.
// It returns false for unknown services and empty pools; rotating a
// single-key pool is a no-op success.
func (m *Manager) Rotate(service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[service]
	if !ok || len(p.cfg.Keys) == 0 {
		return false
	}
	p.advanceLocked()
	p.lastRot = m.now()
	metrics.ObserveCredentialRotation(service, "manual")
	return true
}

// HealthCheck runs fn against every key in the pool concurrently, not just
// the active one. Keys whose check returns false are demoted for this round,
// subject to the fail-open rule.
func (m *Manager) HealthCheck(ctx context.Context, service string, fn func(ctx context.Context, key string) bool) {
	m.mu.Lock()
	p, ok := m.pools[service]
	if !ok || len(p.cfg.Keys) == 0 {
		m.mu.Unlock()
		return
	}
	keys := append([]string(nil), p.cfg.Keys...)
	m.mu.Unlock()

	results := make([]bool, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i] = fn(ctx, key)
		}(i, key)
	}
	wg.Wait()

	// Re-validate under the lock: the pool may have rotated while the
	// checks were in flight.
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok = m.pools[service]
	if !ok || len(p.cfg.Keys) != len(results) {
		return
	}
	for i, healthy := range results {
		p.healthy[i] = healthy
	}
	p.failOpenLocked()
	if !p.healthy[p.current] {
		p.advanceLocked()
	}
}

// Stats returns observability counters for one service.
func (m *Manager) Stats(service string) (PoolStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[service]
	if !ok {
		return PoolStats{}, false
	}
	return p.statsLocked(), true
}

// AllStats returns stats for every registered service.
func (m *Manager) AllStats() map[string]PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PoolStats, len(m.pools))
	for service, p := range m.pools {
		out[service] = p.statsLocked()
	}
	return out
}

// Close stops all automatic rotation timers.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) rotateLoop(service string, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			if p, ok := m.pools[service]; ok && len(p.cfg.Keys) > 0 {
				p.advanceLocked()
				p.lastRot = m.now()
			}
			m.mu.Unlock()
			metrics.ObserveCredentialRotation(service, "timer")
		}
	}
}

// advanceLocked moves current to the next healthy index in cyclic order.
// With a single key, or when every key is unhealthy after fail-open reset,
// current stays in place.
func (p *pool) advanceLocked() {
	n := len(p.cfg.Keys)
	if n == 0 {
		return
	}
	for step := 1; step <= n; step++ {
		next := (p.current + step) % n
		if p.healthy[next] {
			p.current = next
			return
		}
	}
}

// failOpenLocked restores the full healthy set when it has emptied out;
// a service with keys must never deadlock with no usable credential.
func (p *pool) failOpenLocked() {
	for _, h := range p.healthy {
		if h {
			return
		}
	}
	for i := range p.healthy {
		p.healthy[i] = true
	}
}

func (p *pool) statsLocked() PoolStats {
	stats := PoolStats{
		TotalKeys:    len(p.cfg.Keys),
		LastRotation: p.lastRot,
		Keys:         make([]KeyStats, len(p.cfg.Keys)),
	}
	for i, key := range p.cfg.Keys {
		if p.healthy[i] {
			stats.HealthyKeys++
		}
		stats.Keys[i] = KeyStats{
			Key:      maskKey(key),
			Usage:    p.usage[i],
			Failures: p.failures[i],
			Healthy:  p.healthy[i],
			Active:   i == p.current,
		}
	}
	return stats
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:2] + "****" + key[len(key)-2:]
}
