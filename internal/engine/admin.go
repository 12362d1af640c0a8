package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Administrative setters. Each requires an admin caller and is refused while
// an execution is in progress so aggregates are never mutated mid-unit.

func (o *Orchestrator) authorizeAdmin(admin common.Address) error {
	if !o.auth.IsAdmin(admin) {
		return fmt.Errorf("engine: admin %s: %w", admin.Hex(), domain.ErrUnauthorized)
	}
	if o.inProgress.Load() {
		return domain.ErrReentrantCall
	}
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, admin common.Address, action string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["admin"] = admin.Hex()
	fields["action"] = action
	o.logger.InfoContext(ctx, "admin action", slog.String("action", action), slog.String("admin", admin.Hex()))
	o.emit(ctx, domain.EventAdminAction, "", fields)
}

// SetProfitParams updates the dynamic minimum-profit parameters.
func (o *Orchestrator) SetProfitParams(ctx context.Context, admin common.Address, p domain.ProfitParams) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	if err := o.guard.SetParams(p); err != nil {
		return err
	}
	o.audit(ctx, admin, "set_profit_params", map[string]any{
		"base_bps": p.BaseBps, "volatility_multiplier": p.VolatilityMultiple, "max_bps": p.MaxBps,
	})
	return nil
}

// SetBreakerLimits updates the circuit breaker thresholds.
func (o *Orchestrator) SetBreakerLimits(ctx context.Context, admin common.Address, l domain.BreakerLimits) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	if err := o.breaker.SetLimits(l); err != nil {
		return err
	}
	o.audit(ctx, admin, "set_breaker_limits", map[string]any{
		"max_volume": bigString(l.MaxVolumePerPeriod), "max_trades": l.MaxTradesPerPeriod, "period": l.PeriodDuration.String(),
	})
	return nil
}

// ForceBreaker pins the breaker state until cleared or the window rolls.
func (o *Orchestrator) ForceBreaker(ctx context.Context, admin common.Address, state domain.BreakerState) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	prev, err := o.breaker.Force(state)
	if err != nil {
		return err
	}
	if prev != state {
		o.emitBreakerTransition(ctx, prev, state)
	}
	o.audit(ctx, admin, "force_breaker", map[string]any{"state": string(state)})
	return nil
}

// ClearBreakerOverride removes a forced breaker state.
func (o *Orchestrator) ClearBreakerOverride(ctx context.Context, admin common.Address) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	state, prev := o.breaker.ClearOverride()
	if prev != state {
		o.emitBreakerTransition(ctx, prev, state)
	}
	o.audit(ctx, admin, "clear_breaker_override", nil)
	return nil
}

// ResetRoute clears a route's failure record.
func (o *Orchestrator) ResetRoute(ctx context.Context, admin common.Address, fp common.Hash) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	if !o.routes.Reset(fp) {
		return fmt.Errorf("engine: route %s: %w", fp.Hex(), domain.ErrNotFound)
	}
	o.audit(ctx, admin, "reset_route", map[string]any{"route": fp.Hex()})
	return nil
}

// RegisterVenue adds a venue to the routing set.
func (o *Orchestrator) RegisterVenue(ctx context.Context, admin common.Address, v domain.SwapVenue) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	o.venues.Register(v)
	o.audit(ctx, admin, "register_venue", map[string]any{"venue": v.Address().Hex(), "kind": string(v.Kind())})
	return nil
}

// DeregisterVenue removes a venue from the routing set.
func (o *Orchestrator) DeregisterVenue(ctx context.Context, admin common.Address, addr common.Address) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	if !o.venues.Deregister(addr) {
		return fmt.Errorf("engine: venue %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	o.audit(ctx, admin, "deregister_venue", map[string]any{"venue": addr.Hex()})
	return nil
}

// SetProfitShares replaces the profit recipients.
func (o *Orchestrator) SetProfitShares(ctx context.Context, admin common.Address, shares []domain.ProfitShare) error {
	if err := o.authorizeAdmin(admin); err != nil {
		return err
	}
	if err := o.distributor.SetShares(shares); err != nil {
		return err
	}
	o.audit(ctx, admin, "set_profit_shares", map[string]any{"recipients": len(shares)})
	return nil
}

// SetVolatilityIndex feeds the guard. It is the entry point of the
// volatility sampler and is not an administrative action.
func (o *Orchestrator) SetVolatilityIndex(index uint32) {
	o.guard.SetVolatility(index)
	o.stats.setVolatility(index)
}

// Read accessors used by persistence and the API.

func (o *Orchestrator) Statistics() domain.Statistics            { return o.stats.Snapshot() }
func (o *Orchestrator) BreakerState() domain.CircuitBreakerState { return o.breaker.Snapshot() }
func (o *Orchestrator) FailedRoutes() []domain.FailedRouteRecord { return o.routes.Records() }
func (o *Orchestrator) ProfitParams() domain.ProfitParams        { return o.guard.Params() }
func (o *Orchestrator) ProfitShares() []domain.ProfitShare       { return o.distributor.Shares() }
func (o *Orchestrator) RecentResults(n int) []domain.TradeResult { return o.history.Recent(n) }
func (o *Orchestrator) IsAdmin(addr common.Address) bool         { return o.auth.IsAdmin(addr) }

// DynamicMinProfitBps reports the current threshold for a request floor.
func (o *Orchestrator) DynamicMinProfitBps(requestBps uint32) uint32 {
	return o.guard.DynamicBps(requestBps)
}

// Result returns a recent result kept in memory.
func (o *Orchestrator) Result(id uint64) (domain.TradeResult, bool) { return o.history.Get(id) }

// Restore loads persisted aggregates at startup.
func (o *Orchestrator) Restore(stats *domain.Statistics, breaker *domain.CircuitBreakerState, routes []domain.FailedRouteRecord, nextResultID uint64) {
	if stats != nil {
		o.stats.Load(*stats)
		o.guard.SetVolatility(stats.VolatilityIndex)
	}
	if breaker != nil {
		limits := o.breaker.Snapshot()
		o.breaker.Restore(*breaker)
		// Thresholds come from configuration, the window from storage.
		_ = o.breaker.SetLimits(domain.BreakerLimits{
			MaxVolumePerPeriod: limits.MaxVolumePerPeriod,
			MaxTradesPerPeriod: limits.MaxTradesPerPeriod,
			PeriodDuration:     limits.PeriodDuration,
			WarningRatioBps:    limits.WarningRatioBps,
		})
	}
	if routes != nil {
		o.routes.Load(routes)
	}
	if nextResultID > 0 {
		o.history.SetNextID(nextResultID)
	}
}
