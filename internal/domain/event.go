package domain

import (
	"context"
	"time"
)

// EventKind names an observable engine event.
type EventKind string

const (
	EventTradeStarted      EventKind = "trade_started"
	EventTradeSucceeded    EventKind = "trade_succeeded"
	EventTradeFailed       EventKind = "trade_failed"
	EventBreakerTransition EventKind = "breaker_transition"
	EventRouteFailed       EventKind = "route_failed"
	EventAdminAction       EventKind = "admin_action"
)

// Event is one structured notification produced by the engine.
type Event struct {
	Kind        EventKind      `json:"kind"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	At          time.Time      `json:"at"`
}

// EventSink receives engine events. Emit must not block on slow consumers.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }
