// Package event carries state-change notifications between the recovery
// manager, the engine API and the scheduler. The local Bus fans out in
// process; store/redis provides a Bus that spans processes.
package event

import (
	"context"
	"sync"
)

// Handler consumes an event. It must not block; the scheduler's handler only
// enqueues.
type Handler func(ctx context.Context, evt Event)

// Bus publishes events to every subscriber.
type Bus interface {
	Publish(ctx context.Context, evt Event) error

	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())
}

// Local is an in-process Bus. Publish calls each handler synchronously in
// subscription order.
type Local struct {
	mu    sync.RWMutex
	next  int
	subs  map[int]Handler
	order []int
}

var _ Bus = (*Local)(nil)

// NewLocal returns an empty in-process bus.
func NewLocal() *Local {
	return &Local{subs: make(map[int]Handler)}
}

// Publish implements Bus.
func (b *Local) Publish(ctx context.Context, evt Event) error {
	b.Dispatch(ctx, evt)
	return nil
}

// Dispatch delivers evt to local subscribers. Remote buses call it for
// messages they receive.
func (b *Local) Dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.order))
	for _, k := range b.order {
		hs = append(hs, b.subs[k])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, evt)
	}
}

// Subscribe implements Bus.
func (b *Local) Subscribe(h Handler) func() {
	b.mu.Lock()
	k := b.next
	b.next++
	b.subs[k] = h
	b.order = append(b.order, k)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[k]; !ok {
			return
		}
		delete(b.subs, k)
		for i, o := range b.order {
			if o == k {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}
