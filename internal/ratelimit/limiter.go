// Package ratelimit implements sliding-window admission control for outbound
// calls to scarce external services: a request cap per trailing interval, a
// concurrency cap, and a FIFO wait queue drained on a periodic tick.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/metrics"
)

// ErrClosed is returned for calls made after the limiter shut down.
var ErrClosed = errors.New("rate limiter closed")

// Config holds limiter tuning knobs.
type Config struct {
	// Name labels this limiter in logs and metrics.
	Name string
	// RequestsPerInterval caps admissions within the trailing Interval.
	RequestsPerInterval int
	// Interval is the sliding window length.
	Interval time.Duration
	// MaxConcurrent caps operations executing at once.
	MaxConcurrent int
	// BurstAllowance bounds how many ExecuteBurst operations bypass queueing.
	BurstAllowance int
	// TickInterval controls how often the wait queue is drained.
	TickInterval time.Duration
	Logger       *zap.Logger
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Total       int64         `json:"total"`
	Succeeded   int64         `json:"succeeded"`
	Failed      int64         `json:"failed"`
	Queued      int64         `json:"queued"`
	QueueDepth  int           `json:"queue_depth"`
	AverageWait time.Duration `json:"average_wait_ms"`
}

type waiter struct {
	enqueued  time.Time
	ready     chan struct{}
	cancelled bool
	admitted  bool
	rejected  bool
}

// Limiter admits operations under a sliding request window and a concurrency
// cap. Operations that cannot be admitted immediately wait in FIFO order.
// Queued callers may occasionally be overtaken by new direct calls that find
// capacity between drain ticks; strict global fairness is not guaranteed.
type Limiter struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	window     []time.Time
	concurrent int
	queue      []*waiter
	closed     bool

	total     int64
	succeeded int64
	failed    int64
	queued    int64
	waitSum   time.Duration
	waitCount int64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Limiter and starts its queue drain loop.
func New(cfg Config) *Limiter {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.RequestsPerInterval <= 0 {
		cfg.RequestsPerInterval = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.BurstAllowance <= 0 {
		cfg.BurstAllowance = cfg.RequestsPerInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 25 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	l := &Limiter{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("limiter", cfg.Name)),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.drainLoop()
	return l
}

// Execute admits op under the window and concurrency caps, queueing the call
// in FIFO order when capacity is exhausted. The operation's error is returned
// as-is; the limiter performs no retries.
func (l *Limiter) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := l.admit(ctx); err != nil {
		return err
	}
	return l.run(ctx, op)
}

// ExecuteBurst admits up to BurstAllowance operations immediately, ahead of
// normal queueing discipline, and funnels the remainder through Execute. The
// returned slice holds one entry per operation, in input order.
func (l *Limiter) ExecuteBurst(ctx context.Context, ops []func(ctx context.Context) error) []error {
	errs := make([]error, len(ops))
	if len(ops) == 0 {
		return errs
	}
	burst := l.cfg.BurstAllowance
	if burst > len(ops) {
		burst = len(ops)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		for i := range errs {
			errs[i] = ErrClosed
		}
		return errs
	}
	now := l.now()
	for i := 0; i < burst; i++ {
		l.window = append(l.window, now)
		l.concurrent++
		l.total++
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op func(ctx context.Context) error) {
			defer wg.Done()
			if i < burst {
				errs[i] = l.run(ctx, op)
				return
			}
			errs[i] = l.Execute(ctx, op)
		}(i, op)
	}
	wg.Wait()
	return errs
}

// RemainingRequests returns how many admissions the current window allows.
func (l *Limiter) RemainingRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	remaining := l.cfg.RequestsPerInterval - len(l.window)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Total:      l.total,
		Succeeded:  l.succeeded,
		Failed:     l.failed,
		Queued:     l.queued,
		QueueDepth: l.pendingLocked(),
	}
	if l.waitCount > 0 {
		s.AverageWait = l.waitSum / time.Duration(l.waitCount)
	}
	return s
}

// Healthy reports false when the limiter is structurally overwhelmed: the
// backlog exceeds the per-interval request cap, the failure ratio exceeds
// 50%, or the running average wait exceeds the window interval.
func (l *Limiter) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingLocked() > l.cfg.RequestsPerInterval {
		return false
	}
	if finished := l.succeeded + l.failed; finished > 0 {
		if float64(l.failed)/float64(finished) > 0.5 {
			return false
		}
	}
	if l.waitCount > 0 && l.waitSum/time.Duration(l.waitCount) > l.cfg.Interval {
		return false
	}
	return true
}

// Close stops the drain loop and rejects queued callers with ErrClosed.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		l.mu.Lock()
		l.closed = true
		for _, w := range l.queue {
			if !w.cancelled {
				w.rejected = true
				close(w.ready)
			}
		}
		l.queue = nil
		l.mu.Unlock()
	})
}

func (l *Limiter) admit(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	now := l.now()
	l.prune(now)
	if len(l.window) < l.cfg.RequestsPerInterval && l.concurrent < l.cfg.MaxConcurrent {
		l.window = append(l.window, now)
		l.concurrent++
		l.total++
		l.mu.Unlock()
		return nil
	}
	w := &waiter{enqueued: now, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.queued++
	metrics.SetAdmissionQueueDepth(l.cfg.Name, l.pendingLocked())
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		l.abandon(w)
		return fmt.Errorf("admission wait: %w", ctx.Err())
	case <-w.ready:
		if w.rejected {
			return ErrClosed
		}
		return nil
	}
}

// abandon backs out a waiter whose context ended. If the drain loop admitted
// it first, the slot and admission count are released rather than recorded as
// an operation failure; the op never ran, so it must not skew the failure
// ratio Healthy() reads.
func (l *Limiter) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.admitted {
		l.concurrent--
		l.total--
	} else {
		w.cancelled = true
	}
}

func (l *Limiter) run(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	l.mu.Lock()
	l.concurrent--
	if err != nil {
		l.failed++
	} else {
		l.succeeded++
	}
	l.mu.Unlock()
	return err
}

func (l *Limiter) drainLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.drain()
		}
	}
}

// drain admits queued waiters head-to-tail while capacity allows, preserving
// FIFO order among queued entries. It never preempts already-admitted work.
func (l *Limiter) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	for len(l.queue) > 0 {
		head := l.queue[0]
		if head.cancelled {
			l.queue = l.queue[1:]
			continue
		}
		if len(l.window) >= l.cfg.RequestsPerInterval || l.concurrent >= l.cfg.MaxConcurrent {
			break
		}
		l.queue = l.queue[1:]
		l.window = append(l.window, now)
		l.concurrent++
		l.total++
		head.admitted = true
		wait := now.Sub(head.enqueued)
		l.waitSum += wait
		l.waitCount++
		metrics.ObserveAdmissionWait(l.cfg.Name, wait)
		close(head.ready)
	}
	metrics.SetAdmissionQueueDepth(l.cfg.Name, l.pendingLocked())
}

// prune evicts window entries older than the trailing interval.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Interval)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

func (l *Limiter) pendingLocked() int {
	n := 0
	for _, w := range l.queue {
		if !w.cancelled {
			n++
		}
	}
	return n
}
