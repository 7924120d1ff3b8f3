// Package eventbus is the in-process pub/sub channel for engine lifecycle
// events (request start/completion, breaker transitions, cache hits).
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"forge-ai/internal/domain"
)

type subscriber struct {
	seq     uint64
	handler domain.EventHandler
}

// Bus is a goroutine-safe event bus. Handlers run asynchronously; a slow
// or panicking observer never blocks or fails the engine.
type Bus struct {
	mu      sync.RWMutex
	byType  map[domain.EventType][]subscriber
	global  []subscriber
	nextSeq atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		byType: make(map[domain.EventType][]subscriber),
		logger: logger,
	}
}

// Publish fans out an event to typed and global subscribers.
// Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.byType[event.Type])+len(b.global))
	targets = append(targets, b.byType[event.Type]...)
	targets = append(targets, b.global...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscriber) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type.
// The returned function unsubscribes it.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := subscriber{seq: b.nextSeq.Add(1), handler: handler}

	b.mu.Lock()
	b.byType[eventType] = append(b.byType[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[eventType] = remove(b.byType[eventType], sub.seq)
	}
}

// SubscribeAll registers a handler that receives every event.
// The returned function unsubscribes it.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := subscriber{seq: b.nextSeq.Add(1), handler: handler}

	b.mu.Lock()
	b.global = append(b.global, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.global = remove(b.global, sub.seq)
	}
}

func remove(subs []subscriber, seq uint64) []subscriber {
	for i, s := range subs {
		if s.seq == seq {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close prevents new publishes and waits for in-flight handlers.
// Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
