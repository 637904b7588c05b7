package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"permanent", Permanent(errors.New("bad payload")), false},
		{"transient 401", Transient(&HTTPError{StatusCode: 401}), true},
		{"http 429", &HTTPError{StatusCode: 429}, true},
		{"http 500", &HTTPError{StatusCode: 500}, true},
		{"http 503", &HTTPError{StatusCode: 503}, true},
		{"http 400", &HTTPError{StatusCode: 400}, false},
		{"http 404", &HTTPError{StatusCode: 404}, false},
		{"net timeout", timeoutErr{}, true},
		{"plain error", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestPermanentNilPassthrough(t *testing.T) {
	t.Parallel()
	require.NoError(t, Permanent(nil))
}

func TestPermanentUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("decode failed")
	require.ErrorIs(t, Permanent(base), base)
}

func TestTransientUnwraps(t *testing.T) {
	t.Parallel()
	require.NoError(t, Transient(nil))
	base := &HTTPError{StatusCode: 403}
	var httpErr *HTTPError
	require.ErrorAs(t, Transient(base), &httpErr)
	require.Equal(t, 403, httpErr.StatusCode)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, 3, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPError{StatusCode: 503}
		}
		return nil
	}, 5, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	t.Parallel()
	calls := 0
	wantErr := &HTTPError{StatusCode: 404}
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	}, 5, time.Millisecond)
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return &HTTPError{StatusCode: 500}
	}, 3, time.Millisecond)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, 3, calls)
}

func TestDoBackoffDoubles(t *testing.T) {
	t.Parallel()
	const base = 20 * time.Millisecond
	start := time.Now()
	_ = Do(context.Background(), func(context.Context) error {
		return &HTTPError{StatusCode: 500}
	}, 3, base)
	// Waits of base and 2*base separate the three attempts.
	require.GreaterOrEqual(t, time.Since(start), 3*base)
}

func TestDoHonorsContextDuringWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		return &HTTPError{StatusCode: 500}
	}, 5, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, calls)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreaker(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow("svc"))
		b.Record("svc", boom)
	}
	require.False(t, b.Allow("svc"))
}

func TestBreakerSuccessResetsTally(t *testing.T) {
	t.Parallel()
	b := NewBreaker(2, time.Minute)
	boom := errors.New("boom")

	b.Record("svc", boom)
	b.Record("svc", nil)
	b.Record("svc", boom)
	require.True(t, b.Allow("svc"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()
	b := NewBreaker(2, time.Minute)
	current := time.Now()
	b.now = func() time.Time { return current }
	boom := errors.New("boom")

	b.Record("svc", boom)
	b.Record("svc", boom)
	require.False(t, b.Allow("svc"))

	// Cool-down elapses: exactly one probe is admitted.
	current = current.Add(2 * time.Minute)
	require.True(t, b.Allow("svc"))

	// The probe failing reopens the circuit at once.
	b.Record("svc", boom)
	require.False(t, b.Allow("svc"))

	current = current.Add(2 * time.Minute)
	require.True(t, b.Allow("svc"))
	b.Record("svc", nil)
	require.True(t, b.Allow("svc"))
	b.Record("svc", boom)
	require.True(t, b.Allow("svc"))
}

func TestBreakerLabelsAreIndependent(t *testing.T) {
	t.Parallel()
	b := NewBreaker(1, time.Minute)
	b.Record("score:pagespeed", errors.New("boom"))
	require.False(t, b.Allow("score:pagespeed"))
	require.True(t, b.Allow("score:lighthouse"))
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(1, time.Minute)
	b.Record("svc", errors.New("boom"))
	require.False(t, b.Allow("svc"))
	b.Reset("svc")
	require.True(t, b.Allow("svc"))
}

func TestDoWithBreakerFailsFast(t *testing.T) {
	t.Parallel()
	b := NewBreaker(1, time.Minute)
	calls := 0
	op := func(context.Context) error {
		calls++
		return &HTTPError{StatusCode: 404}
	}

	err := b.DoWithBreaker(context.Background(), "svc", op, 3, time.Millisecond)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, 1, calls)

	err = b.DoWithBreaker(context.Background(), "svc", op, 3, time.Millisecond)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, 1, calls)
}
