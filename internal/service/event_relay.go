package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Channel and stream that carry engine events across processes.
const (
	EventsChannel = "flasharb:events"
	EventsStream  = "flasharb:events:stream"
)

const relayBuffer = 1024

// EventRelay is the engine's EventSink. Emit only enqueues; Run drains the
// queue into the signal bus and the local sinks (notifier, WebSocket hub).
type EventRelay struct {
	bus     domain.SignalBus
	sinks   []domain.EventSink
	queue   chan domain.Event
	dropped atomic.Uint64
	logger  *slog.Logger
}

// Compile-time interface check.
var _ domain.EventSink = (*EventRelay)(nil)

// NewEventRelay creates a relay. bus may be nil.
func NewEventRelay(bus domain.SignalBus, logger *slog.Logger, sinks ...domain.EventSink) *EventRelay {
	return &EventRelay{
		bus:    bus,
		sinks:  sinks,
		queue:  make(chan domain.Event, relayBuffer),
		logger: logger.With(slog.String("component", "event_relay")),
	}
}

// Emit enqueues ev, dropping it when the queue is full.
func (r *EventRelay) Emit(ctx context.Context, ev domain.Event) {
	select {
	case r.queue <- ev:
	default:
		n := r.dropped.Add(1)
		r.logger.WarnContext(ctx, "event queue full, dropping event",
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("dropped_total", n),
		)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *EventRelay) Dropped() uint64 {
	return r.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// left in the queue.
func (r *EventRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			return nil
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		}
	}
}

func (r *EventRelay) flush(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (r *EventRelay) deliver(ctx context.Context, ev domain.Event) {
	r.logger.DebugContext(ctx, "engine event",
		slog.String("kind", string(ev.Kind)),
		slog.String("execution_id", ev.ExecutionID),
	)

	if r.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.logger.WarnContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		} else {
			if err := r.bus.Publish(ctx, EventsChannel, payload); err != nil {
				r.logger.WarnContext(ctx, "publish event failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
			if err := r.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
				r.logger.WarnContext(ctx, "append event to stream failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	for _, s := range r.sinks {
		s.Emit(ctx, ev)
	}
}
