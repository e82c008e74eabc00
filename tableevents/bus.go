package tableevents

import (
	"context"
	"sync"
)

// Bus is an in-process Notifier and Publisher. Publish delivers to every
// listener synchronously, in subscription order, before it returns.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []subscription
	opts      *options
}

type subscription struct {
	id       uint64
	listener Listener
}

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	return &Bus{opts: applyOptions(opts...)}
}

// Subscribe registers listener for every later event until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, listener Listener) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, listener: listener})
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { b.unsubscribe(id) })
	return nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.listeners {
		if sub.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of active listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish validates event and delivers it to every listener.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Source == "" {
		event.Source = b.opts.source
	}
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	listeners := make([]subscription, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	b.opts.metrics.RecordTableEvent(string(event.Type))
	for _, sub := range listeners {
		sub.listener(ctx, event)
	}
	return nil
}
