// Package pipeline holds the engine's background maintenance loops.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Archiver periodically moves trade results older than the retention
// window from Postgres to object storage.
type Archiver struct {
	archiver      domain.Archiver
	retentionDays int
	clock         domain.Clock
	trigger       chan struct{}
	logger        *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(archiver domain.Archiver, retentionDays int, clock domain.Clock, logger *slog.Logger) *Archiver {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Archiver{
		archiver:      archiver,
		retentionDays: retentionDays,
		clock:         clock,
		trigger:       make(chan struct{}, 1),
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Cutoff is the instant before which results are archived.
func (a *Archiver) Cutoff() time.Time {
	return a.clock.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
}

// Trigger asks a running loop for an extra pass. It reports false when a
// pass is already pending.
func (a *Archiver) Trigger() bool {
	select {
	case a.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (a *Archiver) runLogged(ctx context.Context) {
	if _, err := a.RunOnce(ctx); err != nil {
		a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
	}
}

// RunOnce performs a single archive pass.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.Cutoff()
	start := time.Now()
	n, err := a.archiver.ArchiveTradeResults(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pipeline: archive trade results before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("archived", n),
		slog.Duration("took", time.Since(start)),
	)
	return n, nil
}

// RunEvery archives once immediately and then every interval until ctx is
// cancelled.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "archiver started", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.runLogged(ctx)
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopped")
			return nil
		case <-ticker.C:
		case <-a.trigger:
		}
	}
}

// RunCron archives on a five-field cron schedule (minute hour day-of-month
// month day-of-week, UTC) until ctx is cancelled.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "archiver started", slog.String("cron", expr))

	for {
		next, ok := sched.Next(a.clock.Now().UTC())
		if !ok {
			return fmt.Errorf("pipeline: cron %q never fires", expr)
		}
		wait := next.Sub(a.clock.Now())
		a.logger.DebugContext(ctx, "archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver stopped")
			return nil
		case <-timer.C:
			a.runLogged(ctx)
		case <-a.trigger:
			timer.Stop()
			a.runLogged(ctx)
		}
	}
}

// cronField is the set of values one field matches; nil means any.
type cronField map[int]bool

func (f cronField) matches(v int) bool { return f == nil || f[v] }

// CronSchedule is a parsed five-field cron expression.
type CronSchedule struct {
	minute, hour, dom, month, dow cronField
}

// ParseCron parses expressions made of "*", numbers, "a-b" ranges, "*/n"
// steps and comma lists of those.
func ParseCron(expr string) (CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return CronSchedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return CronSchedule{}, fmt.Errorf("%s field: %w", names[i], err)
		}
		parsed[i] = cf
	}
	return CronSchedule{parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]}, nil
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return nil, nil
	}
	out := make(cronField)
	for _, part := range strings.Split(field, ",") {
		from, to, step := lo, hi, 1

		rangePart, stepPart, hasStep := strings.Cut(part, "/")
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", stepPart)
			}
			step = n
		}
		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			a, b, _ := strings.Cut(rangePart, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("invalid value %q", a)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("invalid value %q", b)
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rangePart)
			}
			from = n
			if !hasStep {
				to = n
			}
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			out[v] = true
		}
	}
	return out, nil
}

// Matches reports whether t (to the minute) fires the schedule.
func (c CronSchedule) Matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

// Next returns the first matching minute strictly after t, searching at
// most one year ahead.
func (c CronSchedule) Next(t time.Time) (time.Time, bool) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.Matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}
