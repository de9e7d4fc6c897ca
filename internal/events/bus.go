package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus is a lightweight pub/sub broker using channels. Publish never blocks:
// a full subscriber buffer drops the message for that subscriber only.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Message
	all     []chan Message
	dropped atomic.Uint64
	onDrop  func(Event)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// OnDrop registers a callback for messages dropped on a full subscriber.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// SubscribeAll receives every event on one channel, so a single publisher's
// messages arrive in publish order.
func (b *Bus) SubscribeAll(buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.all = append(b.all, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.all {
			if c == ch {
				close(c)
				b.all = append(b.all[:i], b.all[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish fans the message out to subscribers without blocking.
func (b *Bus) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[msg.Type] {
		b.offer(ch, msg)
	}
	for _, ch := range b.all {
		b.offer(ch, msg)
	}
}

func (b *Bus) offer(ch chan Message, msg Message) {
	select {
	case ch <- msg:
	default:
		// drop if subscriber is slow; keep broker non-blocking
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop(msg.Type)
		}
	}
}

// Dropped returns how many deliveries were discarded.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
