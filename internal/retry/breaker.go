package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the operation once its failure
// tally has reached the breaker threshold.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker tracks failures per operation label and fails fast once a label's
// tally reaches the threshold. An open circuit admits a single probe after
// the cool-down elapses; a probe failure reopens it immediately.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*breakerState
}

type breakerState struct {
	failures int
	open     bool
	openedAt time.Time
}

// NewBreaker constructs a Breaker. A threshold <= 0 defaults to 5 and a
// cooldown <= 0 defaults to 30s.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		states:    make(map[string]*breakerState),
	}
}

// Allow reports whether a call under the label may proceed, transitioning an
// open circuit to a half-open probe once the cool-down has elapsed.
func (b *Breaker) Allow(label string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[label]
	if !ok || !st.open {
		return true
	}
	if b.now().Sub(st.openedAt) < b.cooldown {
		return false
	}
	// Half-open: one more failure reopens the circuit.
	st.open = false
	st.failures = b.threshold - 1
	return true
}

// Record feeds a call outcome into the label's tally. Success closes the
// circuit and clears the tally.
func (b *Breaker) Record(label string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[label]
	if !ok {
		st = &breakerState{}
		b.states[label] = st
	}
	if err == nil {
		st.failures = 0
		st.open = false
		return
	}
	st.failures++
	if st.failures >= b.threshold && !st.open {
		st.open = true
		st.openedAt = b.now()
	}
}

// Reset clears the label's state, closing its circuit.
func (b *Breaker) Reset(label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, label)
}

// DoWithBreaker wraps Do with circuit protection keyed by label.
func (b *Breaker) DoWithBreaker(
	ctx context.Context,
	label string,
	op func(ctx context.Context) error,
	maxAttempts int,
	baseDelay time.Duration,
) error {
	if !b.Allow(label) {
		return fmt.Errorf("%s: %w", label, ErrCircuitOpen)
	}
	err := Do(ctx, op, maxAttempts, baseDelay)
	b.Record(label, err)
	return err
}
