package events

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusDeliversToTypedSubscribers(t *testing.T) {
	b := NewBus(zap.NewNop(), 2, 16)
	defer b.Stop()

	var regimeEvents, botEvents atomic.Int64
	b.Subscribe(TypeRegimeChanged, func(e Event) error {
		regimeEvents.Add(1)
		return nil
	})
	b.Subscribe(TypeBotStarted, func(e Event) error {
		botEvents.Add(1)
		return nil
	})

	b.Publish(New(TypeRegimeChanged, "alpha", map[string]any{"to": "bull_trend"}))
	b.Publish(New(TypeRegimeChanged, "alpha", nil))
	b.Publish(New(TypeBotStarted, "alpha", nil))

	require.Eventually(t, func() bool {
		return b.Stats().Processed == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(2), regimeEvents.Load())
	assert.Equal(t, int64(1), botEvents.Load())
	assert.Equal(t, int64(3), b.Stats().Published)
}

func TestBusAllSubscriberSeesEveryType(t *testing.T) {
	b := NewBus(zap.NewNop(), 1, 16)
	defer b.Stop()

	var seen atomic.Int64
	b.SubscribeAll(func(e Event) error {
		seen.Add(1)
		return nil
	})

	b.PublishSync(New(TypeBotStarted, "alpha", nil))
	b.PublishSync(New(TypeHealthCritical, "alpha", nil))
	b.PublishSync(New(TypeTransitionCompleted, "alpha", nil))

	assert.Equal(t, int64(3), seen.Load())
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(zap.NewNop(), 1, 16)
	defer b.Stop()

	var calls atomic.Int64
	sub := b.Subscribe(TypeRegimeDetected, func(e Event) error {
		calls.Add(1)
		return nil
	})
	require.True(t, sub.IsActive())
	require.Equal(t, int64(1), b.Stats().Subscribers)

	b.PublishSync(New(TypeRegimeDetected, "alpha", nil))
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.PublishSync(New(TypeRegimeDetected, "alpha", nil))

	assert.Equal(t, int64(1), calls.Load())
	assert.False(t, sub.IsActive())
	assert.Equal(t, int64(0), b.Stats().Subscribers)
}

func TestBusCountsHandlerErrorsAndPanics(t *testing.T) {
	b := NewBus(zap.NewNop(), 1, 16)
	defer b.Stop()

	b.Subscribe(TypeError, func(e Event) error {
		return errors.New("handler failed")
	})
	b.SubscribeAll(func(e Event) error {
		panic("handler exploded")
	})

	b.PublishSync(New(TypeError, "alpha", nil))

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.HandlerErrors)
	assert.Equal(t, int64(1), stats.Processed)
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	b := NewBus(zap.NewNop(), 1, 1)
	defer b.Stop()

	// Block the single worker so the buffer backs up.
	taken := make(chan struct{})
	release := make(chan struct{})
	b.SubscribeAll(func(e Event) error {
		close(taken)
		<-release
		return nil
	})

	b.Publish(New(TypeBotStopped, "alpha", nil))
	<-taken
	// Worker busy: one event fits the buffer, the next is dropped.
	b.Publish(New(TypeBotStopped, "alpha", nil))
	b.Publish(New(TypeBotStopped, "alpha", nil))
	close(release)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestBusStopDrainsBufferedEvents(t *testing.T) {
	b := NewBus(zap.NewNop(), 1, 16)

	var seen atomic.Int64
	b.SubscribeAll(func(e Event) error {
		seen.Add(1)
		return nil
	})

	for i := 0; i < 10; i++ {
		b.Publish(New(TypeRegimeDetected, "alpha", nil))
	}
	b.Stop()

	// Everything enqueued before Stop is dispatched, nothing is lost.
	assert.Equal(t, int64(10), seen.Load())
	assert.Equal(t, int64(10), b.Stats().Processed)

	// Publishing after Stop is safe and counted as dropped.
	require.NotPanics(t, func() { b.Publish(New(TypeBotStopped, "alpha", nil)) })
	assert.Equal(t, int64(1), b.Stats().Dropped)
	b.Stop() // idempotent
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "events:btc-bot", Channel("btc-bot"))
}
