package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAppendAndTail(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Append(Event{Kind: "session.registered", Fields: map[string]any{"id": "p.auth"}}))
	require.NoError(t, s.Append(Event{Kind: "session.removed", Fields: map[string]any{"id": "p.auth"}}))

	events, err := s.Tail(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "session.registered", events[0].Kind)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestStoreTailLimitsToMostRecent(t *testing.T) {
	s := NewStore(t.TempDir())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Event{Kind: "tick"}))
	}
	events, err := s.Tail(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSinkCounterAndGauge(t *testing.T) {
	sink := NewSink(nil)
	sink.CounterInc("daemon_queue_rejects_total", map[string]string{"reason": "timeout", "scope": "control"})
	sink.CounterInc("daemon_queue_rejects_total", map[string]string{"reason": "timeout", "scope": "control"})
	sink.GaugeSet("daemon_queue_depth", 3, map[string]string{"scope": "control"})

	snap := sink.Snapshot()
	found := false
	for k, v := range snap {
		if v == 2 && len(k) > 0 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	bus.Publish(Event{Kind: "test"})

	select {
	case e := <-ch:
		assert.Equal(t, "test", e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusCloseIsIdempotentAndDropsAfter(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	ch := bus.Subscribe(ctx)
	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after close must not panic.
	bus.Publish(Event{Kind: "dropped"})
}
