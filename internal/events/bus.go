package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler processes one event. Errors are counted and logged, never
// propagated to the publisher.
type Handler func(event Event) error

// Subscription is one registered handler.
type Subscription struct {
	ID      string
	Type    Type // "*" for all events
	handler Handler
	active  atomic.Bool
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus throughput counters.
type Stats struct {
	Published     int64 `json:"published"`
	Processed     int64 `json:"processed"`
	Dropped       int64 `json:"dropped"`
	HandlerErrors int64 `json:"handlerErrors"`
	Subscribers   int64 `json:"subscribers"`
}

// Bus routes events from publishers to subscribers through a worker
// pool. Publish never blocks: when the buffer is full (or the bus is
// stopped) the event is dropped and counted.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[Type][]*Subscription
	all         []*Subscription

	eventChan chan Event
	workers   int

	stopMu  sync.RWMutex
	stopped bool

	published     atomic.Int64
	processed     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
	activeSubs    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var subscriptionCounter atomic.Int64

// NewBus creates a bus and starts its worker pool.
func NewBus(logger *zap.Logger, workers, bufferSize int) *Bus {
	if workers <= 0 {
		workers = 4
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:      logger,
		subscribers: make(map[Type][]*Subscription),
		eventChan:   make(chan Event, bufferSize),
		workers:     workers,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	b.logger.Info("Event bus started",
		zap.Int("workers", workers),
		zap.Int("bufferSize", bufferSize),
	)
	return b
}

// worker dispatches until the queue is closed and fully drained.
func (b *Bus) worker() {
	defer b.wg.Done()
	for event := range b.eventChan {
		b.dispatch(event)
	}
}

// dispatch routes one event to every matching active subscription.
func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Type]
	all := b.all
	b.mu.RUnlock()

	for _, sub := range subs {
		b.run(sub, event)
	}
	for _, sub := range all {
		b.run(sub, event)
	}
	b.processed.Add(1)
}

func (b *Bus) run(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription", sub.ID),
				zap.String("eventType", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	if err := sub.handler(event); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription", sub.ID),
			zap.String("eventType", string(event.Type)),
			zap.Error(err),
		)
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(typ Type, handler Handler) *Subscription {
	sub := b.newSubscription(typ, handler)
	b.mu.Lock()
	b.subscribers[typ] = append(b.subscribers[typ], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	sub := b.newSubscription("*", handler)
	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) newSubscription(typ Type, handler Handler) *Subscription {
	sub := &Subscription{
		ID:      "sub_" + itoa(subscriptionCounter.Add(1)),
		Type:    typ,
		handler: handler,
	}
	sub.active.Store(true)
	b.activeSubs.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.activeSubs.Add(-1)
	}
}

// AttachSink forwards every event to an external sink. Sink failures
// are handled like any other handler error.
func (b *Bus) AttachSink(sink Sink) *Subscription {
	return b.SubscribeAll(func(event Event) error {
		return sink.Publish(b.ctx, event)
	})
}

// Publish enqueues an event without blocking. Full buffer or a stopped
// bus drops the event and counts it.
func (b *Bus) Publish(event Event) {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()

	if b.stopped {
		b.dropped.Add(1)
		b.logger.Warn("Event dropped, bus stopped",
			zap.String("eventType", string(event.Type)),
		)
		return
	}
	select {
	case b.eventChan <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event dropped, buffer full",
			zap.String("eventType", string(event.Type)),
		)
	}
}

// PublishSync dispatches an event inline, bypassing the worker pool.
func (b *Bus) PublishSync(event Event) {
	b.published.Add(1)
	b.dispatch(event)
}

// Stats returns current throughput counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Processed:     b.processed.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscribers:   b.activeSubs.Load(),
	}
}

// Stop closes the queue and lets the workers drain the buffered events
// before shutting down. Publishes after Stop are dropped and counted.
// Stop is idempotent.
func (b *Bus) Stop() {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return
	}
	b.stopped = true
	close(b.eventChan)
	b.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus stopped",
			zap.Int64("processed", b.processed.Load()),
			zap.Int64("dropped", b.dropped.Load()),
		)
	case <-time.After(5 * time.Second):
		b.logger.Warn("Event bus shutdown timed out")
	}
	b.cancel()
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
