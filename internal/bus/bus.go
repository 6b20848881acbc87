// Package bus implements the tamper event channel between the monitors
// and the alert dispatcher.
package bus

import (
	"context"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Bus is a bounded ordered event channel. Per-producer order is preserved;
// no ordering is guaranteed across producers. A full bus blocks the
// publisher instead of dropping, so monitor ticks slow down under alert
// pressure rather than losing tamper signals.
type Bus struct {
	ch chan domain.TamperEvent
}

// New creates a bus with the given capacity (minimum 1).
func New(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{ch: make(chan domain.TamperEvent, capacity)}
}

// Publish enqueues one event, blocking while the bus is full. It returns
// the context error if the caller is canceled before the event is
// accepted; the event is not enqueued in that case.
func (b *Bus) Publish(ctx context.Context, ev domain.TamperEvent) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side for the single dispatcher consumer.
func (b *Bus) Events() <-chan domain.TamperEvent {
	return b.ch
}

// Close closes the bus. Call only after all publishers have stopped; the
// dispatcher drains remaining events before exiting.
func (b *Bus) Close() {
	close(b.ch)
}
