// Package relayer pairs observed HTLC events into swap sessions, drives
// the swap state machine, and requests counter-withdrawals and refunds
// on the opposite chain.
package relayer

import (
	"context"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

// Bus is the bounded in-process queue between the chain observers and
// the coordinator. Publish blocks when the queue is full so observers
// cannot outrun swap processing.
type Bus struct {
	ch chan htlc.Event
}

// NewBus creates a bus with the given capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{ch: make(chan htlc.Event, capacity)}
}

// Publish enqueues an event, blocking until there is room or ctx ends.
func (b *Bus) Publish(ctx context.Context, event htlc.Event) error {
	select {
	case b.ch <- event:
		metrics.BusDepth.Set(float64(len(b.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the queue.
func (b *Bus) Events() <-chan htlc.Event {
	return b.ch
}

// Depth returns the number of queued events.
func (b *Bus) Depth() int {
	return len(b.ch)
}
