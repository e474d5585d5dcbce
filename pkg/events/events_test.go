package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitStampsSessionAndTiming(t *testing.T) {
	start := time.Now().Add(-time.Second)
	bus := NewBus("sess1", start)

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Emit(Event{Kind: KindSpawned, PID: 42})

	assert.Equal(t, "sess1", got.Session)
	assert.Equal(t, 42, got.PID)
	assert.True(t, got.TMs >= 900)
}

func TestEmitFansOutToAllListeners(t *testing.T) {
	bus := NewBus("s", time.Now())
	var count int
	bus.Subscribe(func(Event) { count++ })
	bus.Subscribe(func(Event) { count++ })

	bus.Emit(Event{Kind: KindDiscovered})
	assert.Equal(t, 2, count)
}

func TestEmitSwallowsListenerPanic(t *testing.T) {
	bus := NewBus("s", time.Now())
	bus.Subscribe(func(Event) { panic("boom") })

	var called bool
	bus.Subscribe(func(Event) { called = true })

	require.NotPanics(t, func() { bus.Emit(Event{Kind: KindError}) })
	assert.True(t, called)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus("s", time.Now())
	var count int
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.Emit(Event{})
	unsub()
	bus.Emit(Event{})

	assert.Equal(t, 1, count)
}
