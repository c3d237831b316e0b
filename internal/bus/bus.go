// Package bus is the in-process publish/subscribe channel between the sync
// engine and its consumers. Subscribers filter by kind-prefix namespace;
// delivery is non-blocking so a stalled consumer never stalls ingestion.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to namespace subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose namespace prefixes evt.Kind.
// Full subscriber buffers drop the event rather than block the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a buffered channel for events whose kind starts with
// prefix. The returned func removes the subscription; the channel is left
// open for any events already buffered.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
