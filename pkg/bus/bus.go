// Package bus carries all bridge events over one ordered channel.
//
// Chat polling, the mesh packet pump and the connection manager publish
// here; the bridge router is the only consumer. Serializing every
// cross-activity write through one path is what keeps the registry,
// reply table and config observations consistent.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed EventBus.
var ErrBusClosed = errors.New("event bus closed")

type EventBus struct {
	events chan Event
	done   chan struct{}
	closed atomic.Bool
}

func NewEventBus() *EventBus {
	return &EventBus{
		events: make(chan Event, 100),
		done:   make(chan struct{}),
	}
}

func (b *EventBus) publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBus) PublishChat(ctx context.Context, msg ChatMessage) error {
	return b.publish(ctx, Event{Chat: &msg})
}

func (b *EventBus) PublishMesh(ctx context.Context, pkt MeshPacket) error {
	return b.publish(ctx, Event{Mesh: &pkt})
}

func (b *EventBus) PublishLifecycle(ctx context.Context, lc Lifecycle) error {
	return b.publish(ctx, Event{Lifecycle: &lc})
}

// Consume blocks for the next event. ok is false once the bus is closed
// or ctx is canceled.
func (b *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.events:
		return ev, ok
	case <-b.done:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

func (b *EventBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
