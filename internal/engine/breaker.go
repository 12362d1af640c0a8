package engine

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// DefaultWarningRatioBps is the volume ratio at which the breaker warns.
const DefaultWarningRatioBps = 8000

// Breaker is a rolling-window admission controller over trade volume and
// count. Only Emergency blocks admission.
type Breaker struct {
	mu sync.Mutex
	st domain.CircuitBreakerState
}

// NewBreaker creates a breaker whose first period starts at now.
func NewBreaker(limits domain.BreakerLimits, now time.Time) (*Breaker, error) {
	if err := validateLimits(limits); err != nil {
		return nil, err
	}
	b := &Breaker{st: domain.CircuitBreakerState{
		CurrentPeriodStart: now,
		CurrentVolume:      new(big.Int),
		State:              domain.BreakerNormal,
	}}
	b.applyLimits(limits)
	return b, nil
}

func validateLimits(l domain.BreakerLimits) error {
	if l.PeriodDuration <= 0 {
		return fmt.Errorf("engine: breaker period must be positive")
	}
	if l.MaxVolumePerPeriod != nil && l.MaxVolumePerPeriod.Sign() < 0 {
		return fmt.Errorf("engine: breaker max volume must not be negative")
	}
	if l.WarningRatioBps > domain.MaxBps {
		return fmt.Errorf("engine: breaker warning ratio %d bps exceeds 10000", l.WarningRatioBps)
	}
	return nil
}

func (b *Breaker) applyLimits(l domain.BreakerLimits) {
	b.st.MaxVolumePerPeriod = new(big.Int)
	if l.MaxVolumePerPeriod != nil {
		b.st.MaxVolumePerPeriod.Set(l.MaxVolumePerPeriod)
	}
	b.st.MaxTradesPerPeriod = l.MaxTradesPerPeriod
	b.st.PeriodDuration = l.PeriodDuration
	b.st.WarningRatioBps = l.WarningRatioBps
	if b.st.WarningRatioBps == 0 {
		b.st.WarningRatioBps = DefaultWarningRatioBps
	}
}

// SetLimits replaces the thresholds without touching the current window.
func (b *Breaker) SetLimits(l domain.BreakerLimits) error {
	if err := validateLimits(l); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLimits(l)
	return nil
}

// Admit accounts volume against the current window and returns the new
// state together with the state before the call.
func (b *Breaker) Admit(volume *big.Int, now time.Time) (state, prev domain.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev = b.st.State
	if !now.Before(b.st.CurrentPeriodStart.Add(b.st.PeriodDuration)) {
		b.st.CurrentPeriodStart = now
		b.st.CurrentVolume = new(big.Int)
		b.st.CurrentTrades = 0
		b.st.Override = ""
	}
	b.st.CurrentVolume = new(big.Int).Add(b.st.CurrentVolume, volume)
	b.st.CurrentTrades++
	b.st.State = b.evaluate()
	return b.st.State, prev
}

// evaluate computes the level from the counters, honoring any override.
func (b *Breaker) evaluate() domain.BreakerState {
	if b.st.Override != "" {
		return b.st.Override
	}
	if b.st.MaxTradesPerPeriod > 0 && b.st.CurrentTrades >= b.st.MaxTradesPerPeriod {
		return domain.BreakerEmergency
	}
	limit := b.st.MaxVolumePerPeriod
	if limit == nil || limit.Sign() == 0 {
		return domain.BreakerNormal
	}
	if b.st.CurrentVolume.Cmp(limit) >= 0 {
		return domain.BreakerEmergency
	}
	ratio := new(big.Int).Mul(b.st.CurrentVolume, big.NewInt(domain.MaxBps))
	ratio.Quo(ratio, limit)
	if ratio.Cmp(big.NewInt(int64(b.st.WarningRatioBps))) >= 0 {
		return domain.BreakerWarning
	}
	return domain.BreakerNormal
}

// Force pins the breaker to state until cleared or the window rolls over.
func (b *Breaker) Force(state domain.BreakerState) (prev domain.BreakerState, err error) {
	switch state {
	case domain.BreakerNormal, domain.BreakerWarning, domain.BreakerEmergency:
	default:
		return "", fmt.Errorf("engine: unknown breaker state %q", state)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	prev = b.st.State
	b.st.Override = state
	b.st.State = state
	return prev, nil
}

// ClearOverride drops a forced state and recomputes from the counters.
func (b *Breaker) ClearOverride() (state, prev domain.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev = b.st.State
	b.st.Override = ""
	b.st.State = b.evaluate()
	return b.st.State, prev
}

// Snapshot returns a deep copy of the current window.
func (b *Breaker) Snapshot() domain.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.Clone()
}

// Restore replaces the window with a previously taken snapshot.
func (b *Breaker) Restore(st domain.CircuitBreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = st.Clone()
	if b.st.CurrentVolume == nil {
		b.st.CurrentVolume = new(big.Int)
	}
	if b.st.MaxVolumePerPeriod == nil {
		b.st.MaxVolumePerPeriod = new(big.Int)
	}
	if b.st.State == "" {
		b.st.State = domain.BreakerNormal
	}
}
