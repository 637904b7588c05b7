package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureSink records every consumed batch.
type captureSink struct {
	mu       sync.Mutex
	received []Event
	batches  int
	closed   bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, batch...)
	s.batches++
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.received...)
}

func validEvent(jobID string, typ Type) Event {
	return Event{JobID: jobID, TS: time.Now().UTC(), Type: typ, Total: 1, Completed: 1}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"started ok", Event{JobID: "j1", TS: time.Now(), Type: TypeJobStarted}, false},
		{"missing job id", Event{TS: time.Now(), Type: TypeJobStarted}, true},
		{"missing timestamp", Event{JobID: "j1", Type: TypeJobStarted}, true},
		{"unknown type", Event{JobID: "j1", TS: time.Now(), Type: "jobExploded"}, true},
		{"progress ok", Event{JobID: "j1", TS: time.Now(), Type: TypeJobProgress, Completed: 1, Total: 2}, false},
		{"progress without total", Event{JobID: "j1", TS: time.Now(), Type: TypeJobProgress}, true},
		{"progress overshoot", Event{JobID: "j1", TS: time.Now(), Type: TypeJobProgress, Completed: 3, Total: 2}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	h := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	h.Emit(validEvent("j1", TypeJobStarted))
	h.Emit(validEvent("j1", TypeJobProgress))
	h.Emit(validEvent("j1", TypeJobCompleted))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	got := sink.snapshot()
	require.Equal(t, TypeJobStarted, got[0].Type)
	require.Equal(t, TypeJobProgress, got[1].Type)
	require.Equal(t, TypeJobCompleted, got[2].Type)

	require.NoError(t, h.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	h := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	h.Emit(Event{Type: TypeJobStarted})
	h.Emit(validEvent("j1", TypeJobStarted))
	require.NoError(t, h.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "j1", got[0].JobID)
}

func TestHubCloseFlushesPendingBatch(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	// A long batch wait ensures the flush comes from Close, not the ticker.
	h := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		h.Emit(validEvent("j1", TypeJobProgress))
	}
	require.NoError(t, h.Close(context.Background()))
	require.Len(t, sink.snapshot(), 10)
	require.True(t, sink.closed)
}

func TestHubBatchSizeFlush(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	h := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 4; i++ {
		h.Emit(validEvent("j1", TypeJobProgress))
	}
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	batches := sink.batches
	sink.mu.Unlock()
	require.GreaterOrEqual(t, batches, 2)
	require.NoError(t, h.Close(context.Background()))
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	// Built without the drain goroutine so the buffer stays full.
	h := &Hub{
		cfg:    Config{BufferSize: 1},
		events: make(chan Event, 1),
		logger: zap.NewNop(),
	}
	h.lastWarn.Store(time.Now().UnixNano())

	for i := 0; i < 5; i++ {
		h.Emit(validEvent("j1", TypeJobProgress))
	}
	// The first event filled the buffer; the rest were dropped, not blocked.
	require.Len(t, h.events, 1)
	require.EqualValues(t, 4, h.dropped.Load())
}

func TestHubEmitAfterClose(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	h := NewHub(Config{}, sink)
	require.NoError(t, h.Close(context.Background()))

	h.Emit(validEvent("j1", TypeJobStarted))
	require.Empty(t, sink.snapshot())
}

func TestHubNilReceiverIsSafe(t *testing.T) {
	t.Parallel()
	var h *Hub
	h.Emit(validEvent("j1", TypeJobStarted))
	require.NoError(t, h.Close(context.Background()))
}
