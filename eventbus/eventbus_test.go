package eventbus_test

import (
	"testing"

	"github.com/christireid/Token-shield-sub001/eventbus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestEmitDispatchesToAllSubscribers(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	var got1, got2 any
	bus.On(eventbus.CacheHit, func(p any) { got1 = p })
	bus.On(eventbus.CacheHit, func(p any) { got2 = p })

	bus.Emit(eventbus.CacheHit, "payload")

	assert.Equal(t, "payload", got1)
	assert.Equal(t, "payload", got2)
}

func TestOffRemovesOnlyThatSubscription(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	calls := 0
	sub := bus.On(eventbus.CacheMiss, func(any) { calls++ })
	bus.On(eventbus.CacheMiss, func(any) { calls++ })

	bus.Off(sub)
	bus.Emit(eventbus.CacheMiss, nil)

	assert.Equal(t, 1, calls)
}

func TestEmitWithNoSubscribersIsNoOp(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	assert.NotPanics(t, func() { bus.Emit(eventbus.StorageError, nil) })
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	ran := false
	bus.On(eventbus.AnomalyDetected, func(any) { panic("boom") })
	bus.On(eventbus.AnomalyDetected, func(any) { ran = true })

	assert.NotPanics(t, func() { bus.Emit(eventbus.AnomalyDetected, nil) })
	assert.True(t, ran)
}
