// Package notify pushes engine events to operator chat channels. Each event
// kind can be switched on or off in configuration.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

const sendTimeout = 15 * time.Second

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a message out to every Sender. Notify and Emit drop events
// whose kind is not in the configured set; an empty set allows all kinds.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	format  *Formatter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// Compile-time interface check.
var _ domain.EventSink = (*Notifier)(nil)

// NewNotifier creates a Notifier. format may be nil, in which case amounts
// are rendered in raw units.
func NewNotifier(senders []Sender, events []string, format *Formatter, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if format == nil {
		format = NewFormatter(nil)
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		format:  format,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Allows reports whether events of the given kind pass the filter.
func (n *Notifier) Allows(kind string) bool {
	return len(n.events) == 0 || n.events[kind]
}

// Notify sends a message if kind passes the filter.
func (n *Notifier) Notify(ctx context.Context, kind, title, message string) error {
	if !n.Allows(kind) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", kind))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a message regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Emit formats an engine event and delivers it in the background so the
// engine never waits on a chat API.
func (n *Notifier) Emit(ctx context.Context, ev domain.Event) {
	if !n.Enabled() || !n.Allows(string(ev.Kind)) {
		return
	}
	title, message := n.format.Event(ev)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := n.dispatch(sendCtx, title, message); err != nil {
			n.logger.WarnContext(sendCtx, "event notification failed",
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until background deliveries started by Emit have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// dispatch tries every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
