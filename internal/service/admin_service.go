package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// AdminEngine is the administrative surface of the orchestrator.
type AdminEngine interface {
	IsAdmin(addr common.Address) bool
	SetProfitParams(ctx context.Context, admin common.Address, p domain.ProfitParams) error
	SetBreakerLimits(ctx context.Context, admin common.Address, l domain.BreakerLimits) error
	ForceBreaker(ctx context.Context, admin common.Address, state domain.BreakerState) error
	ClearBreakerOverride(ctx context.Context, admin common.Address) error
	ResetRoute(ctx context.Context, admin common.Address, fp common.Hash) error
	RegisterVenue(ctx context.Context, admin common.Address, v domain.SwapVenue) error
	DeregisterVenue(ctx context.Context, admin common.Address, addr common.Address) error
	SetProfitShares(ctx context.Context, admin common.Address, shares []domain.ProfitShare) error
	SetVolatilityIndex(index uint32)
	ProfitParams() domain.ProfitParams
	ProfitShares() []domain.ProfitShare
	BreakerState() domain.CircuitBreakerState
	Statistics() domain.Statistics
}

// VenueFactory builds a venue from an administrative request.
type VenueFactory func(spec venue.Spec) (domain.SwapVenue, error)

// AdminDeps are the collaborators of an AdminService. Stores and audit may
// be nil.
type AdminDeps struct {
	Engine  AdminEngine
	Venues  VenueFactory
	Serial  sync.Locker
	Breaker domain.BreakerStore
	Routes  domain.RouteStore
	Stats   domain.StatisticsStore
	Audit   domain.AuditStore
}

// AdminService applies administrative changes to the engine, persists the
// affected aggregate and records an audit entry.
type AdminService struct {
	engine  AdminEngine
	venues  VenueFactory
	serial  sync.Locker
	breaker domain.BreakerStore
	routes  domain.RouteStore
	stats   domain.StatisticsStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewAdminService creates an AdminService.
func NewAdminService(deps AdminDeps, logger *slog.Logger) (*AdminService, error) {
	if deps.Engine == nil {
		return nil, errors.New("admin_service: engine is required")
	}
	if deps.Serial == nil {
		deps.Serial = &sync.Mutex{}
	}
	return &AdminService{
		engine:  deps.Engine,
		venues:  deps.Venues,
		serial:  deps.Serial,
		breaker: deps.Breaker,
		routes:  deps.Routes,
		stats:   deps.Stats,
		audit:   deps.Audit,
		logger:  logger.With(slog.String("component", "admin_service")),
	}, nil
}

// IsAdmin reports whether addr may use the administrative surface.
func (s *AdminService) IsAdmin(addr common.Address) bool { return s.engine.IsAdmin(addr) }

// ProfitParams returns the current guard parameters.
func (s *AdminService) ProfitParams() domain.ProfitParams { return s.engine.ProfitParams() }

// ProfitShares returns the configured profit recipients.
func (s *AdminService) ProfitShares() []domain.ProfitShare { return s.engine.ProfitShares() }

// SetProfitParams updates the dynamic minimum-profit parameters.
func (s *AdminService) SetProfitParams(ctx context.Context, admin common.Address, p domain.ProfitParams) error {
	return s.apply(ctx, admin, domain.AuditSetProfitParams, map[string]any{
		"base_bps":              p.BaseBps,
		"volatility_multiplier": p.VolatilityMultiple,
		"max_bps":               p.MaxBps,
	}, func() error {
		return s.engine.SetProfitParams(ctx, admin, p)
	})
}

// SetBreakerLimits replaces the breaker thresholds.
func (s *AdminService) SetBreakerLimits(ctx context.Context, admin common.Address, l domain.BreakerLimits) error {
	return s.apply(ctx, admin, domain.AuditSetBreakerLimits, map[string]any{
		"max_volume": bigOrNil(l.MaxVolumePerPeriod),
		"max_trades": l.MaxTradesPerPeriod,
		"period":     l.PeriodDuration.String(),
		"warning":    l.WarningRatioBps,
	}, func() error {
		if err := s.engine.SetBreakerLimits(ctx, admin, l); err != nil {
			return err
		}
		s.saveBreaker(ctx)
		return nil
	})
}

// ForceBreaker pins the breaker to state until cleared.
func (s *AdminService) ForceBreaker(ctx context.Context, admin common.Address, state domain.BreakerState) error {
	return s.apply(ctx, admin, domain.AuditForceBreaker, map[string]any{"state": string(state)}, func() error {
		if err := s.engine.ForceBreaker(ctx, admin, state); err != nil {
			return err
		}
		s.saveBreaker(ctx)
		return nil
	})
}

// ClearBreakerOverride returns the breaker to automatic evaluation.
func (s *AdminService) ClearBreakerOverride(ctx context.Context, admin common.Address) error {
	return s.apply(ctx, admin, domain.AuditClearBreakerOverride, nil, func() error {
		if err := s.engine.ClearBreakerOverride(ctx, admin); err != nil {
			return err
		}
		s.saveBreaker(ctx)
		return nil
	})
}

// ResetRoute clears a failed-route record.
func (s *AdminService) ResetRoute(ctx context.Context, admin common.Address, fp common.Hash) error {
	return s.apply(ctx, admin, domain.AuditResetRoute, map[string]any{"route": fp.Hex()}, func() error {
		if err := s.engine.ResetRoute(ctx, admin, fp); err != nil {
			return err
		}
		if s.routes != nil {
			if err := s.routes.DeleteRoute(ctx, fp); err != nil {
				s.logger.WarnContext(ctx, "delete persisted route failed",
					slog.String("route", fp.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	})
}

// RegisterVenue builds a venue from spec and adds it to the routing set.
func (s *AdminService) RegisterVenue(ctx context.Context, admin common.Address, spec venue.Spec) error {
	return s.apply(ctx, admin, domain.AuditRegisterVenue, map[string]any{
		"venue": spec.Address.Hex(),
		"kind":  string(spec.Kind),
		"pools": len(spec.Pools),
	}, func() error {
		if !s.engine.IsAdmin(admin) {
			return fmt.Errorf("admin_service: %s: %w", admin.Hex(), domain.ErrUnauthorized)
		}
		if s.venues == nil {
			return errors.New("admin_service: venue registration is not available")
		}
		v, err := s.venues(spec)
		if err != nil {
			return err
		}
		return s.engine.RegisterVenue(ctx, admin, v)
	})
}

// DeregisterVenue removes a venue from the routing set.
func (s *AdminService) DeregisterVenue(ctx context.Context, admin common.Address, addr common.Address) error {
	return s.apply(ctx, admin, domain.AuditDeregisterVenue, map[string]any{"venue": addr.Hex()}, func() error {
		return s.engine.DeregisterVenue(ctx, admin, addr)
	})
}

// SetProfitShares replaces the profit recipients.
func (s *AdminService) SetProfitShares(ctx context.Context, admin common.Address, shares []domain.ProfitShare) error {
	recipients := make([]string, 0, len(shares))
	for _, sh := range shares {
		recipients = append(recipients, fmt.Sprintf("%s:%d", sh.Recipient.Hex(), sh.Bps))
	}
	return s.apply(ctx, admin, domain.AuditSetProfitShares, map[string]any{"shares": recipients}, func() error {
		return s.engine.SetProfitShares(ctx, admin, shares)
	})
}

// SetVolatilityIndex overrides the sampled volatility until the next sample.
func (s *AdminService) SetVolatilityIndex(ctx context.Context, admin common.Address, index uint32) error {
	return s.apply(ctx, admin, domain.AuditSetVolatilityIndex, map[string]any{"index": index}, func() error {
		if !s.engine.IsAdmin(admin) {
			return fmt.Errorf("admin_service: %s: %w", admin.Hex(), domain.ErrUnauthorized)
		}
		s.engine.SetVolatilityIndex(index)
		if s.stats != nil {
			if err := s.stats.Save(ctx, s.engine.Statistics()); err != nil {
				s.logger.WarnContext(ctx, "persist statistics failed", slog.String("error", err.Error()))
			}
		}
		return nil
	})
}

// AuditLog lists recorded changes newest first. Without an audit store the
// log is empty.
func (s *AdminService) AuditLog(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	if s.audit == nil {
		return nil, nil
	}
	events, err := s.audit.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("admin_service: audit log: %w", err)
	}
	return events, nil
}

// apply runs fn under the execution lock and audits successful changes.
func (s *AdminService) apply(ctx context.Context, admin common.Address, action domain.AuditAction, detail map[string]any, fn func() error) error {
	s.serial.Lock()
	err := fn()
	s.serial.Unlock()
	if err != nil {
		s.logger.WarnContext(ctx, "admin action rejected",
			slog.String("action", string(action)),
			slog.String("admin", admin.Hex()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if s.audit != nil {
		ev := domain.AuditEvent{Action: action, Actor: admin, Detail: detail}
		if auditErr := s.audit.Record(ctx, ev); auditErr != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("action", string(action)),
				slog.String("error", auditErr.Error()),
			)
		}
	}
	return nil
}

func (s *AdminService) saveBreaker(ctx context.Context) {
	if s.breaker == nil {
		return
	}
	if err := s.breaker.SaveBreaker(ctx, s.engine.BreakerState()); err != nil {
		s.logger.WarnContext(ctx, "persist breaker failed", slog.String("error", err.Error()))
	}
}

func bigOrNil(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}
