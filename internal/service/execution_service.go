// Package service coordinates the engine with its surroundings: chain
// context, persistence, distributed locking, rate limiting and event fan-out.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// executionLockKey serializes executions across engine processes sharing
// one Redis namespace.
const executionLockKey = "execution"

// ExecutionEngine is the part of the orchestrator the service drives.
type ExecutionEngine interface {
	RequestExecution(ctx context.Context, call domain.Call, req domain.TradeRequest) (domain.TradeResult, error)
	Statistics() domain.Statistics
	BreakerState() domain.CircuitBreakerState
	FailedRoutes() []domain.FailedRouteRecord
	RecentResults(n int) []domain.TradeResult
	Result(id uint64) (domain.TradeResult, bool)
	DynamicMinProfitBps(requestBps uint32) uint32
	Restore(stats *domain.Statistics, breaker *domain.CircuitBreakerState, routes []domain.FailedRouteRecord, nextResultID uint64)
}

// ExecutionConfig tunes the service.
type ExecutionConfig struct {
	// DefaultMaxGasPrice fills requests that carry no gas ceiling.
	DefaultMaxGasPrice *big.Int
	// RateLimit is the number of requests a caller may make per
	// RateLimitWindow. Zero disables throttling.
	RateLimit       int
	RateLimitWindow time.Duration
	LockTTL         time.Duration
}

// ExecutionDeps are the collaborators of an ExecutionService. Everything
// except Engine and Chain may be nil.
type ExecutionDeps struct {
	Engine  ExecutionEngine
	Chain   ChainReader
	Results domain.TradeResultStore
	Stats   domain.StatisticsStore
	Breaker domain.BreakerStore
	Routes  domain.RouteStore
	Locks   domain.LockManager
	Limiter domain.RateLimiter
}

// ExecutionService runs trade requests one at a time and persists the
// engine aggregates after each one.
type ExecutionService struct {
	cfg     ExecutionConfig
	engine  ExecutionEngine
	chain   ChainReader
	results domain.TradeResultStore
	stats   domain.StatisticsStore
	breaker domain.BreakerStore
	routes  domain.RouteStore
	locks   domain.LockManager
	limiter domain.RateLimiter
	logger  *slog.Logger

	mu sync.Mutex
}

// NewExecutionService creates an ExecutionService.
func NewExecutionService(cfg ExecutionConfig, deps ExecutionDeps, logger *slog.Logger) (*ExecutionService, error) {
	if deps.Engine == nil || deps.Chain == nil {
		return nil, errors.New("execution_service: engine and chain are required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &ExecutionService{
		cfg:     cfg,
		engine:  deps.Engine,
		chain:   deps.Chain,
		results: deps.Results,
		stats:   deps.Stats,
		breaker: deps.Breaker,
		routes:  deps.Routes,
		locks:   deps.Locks,
		limiter: deps.Limiter,
		logger:  logger.With(slog.String("component", "execution_service")),
	}, nil
}

// Restore loads persisted aggregates into the engine. Missing rows are not
// an error; a fresh deployment starts from zero.
func (s *ExecutionService) Restore(ctx context.Context) error {
	return s.restore(ctx, true)
}

func (s *ExecutionService) restore(ctx context.Context, logged bool) error {
	var (
		stats   *domain.Statistics
		breaker *domain.CircuitBreakerState
		routes  []domain.FailedRouteRecord
		nextID  uint64
	)

	if s.stats != nil {
		st, err := s.stats.Load(ctx)
		switch {
		case err == nil:
			stats = &st
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("execution_service: load statistics: %w", err)
		}
	}
	if s.breaker != nil {
		st, err := s.breaker.LoadBreaker(ctx)
		switch {
		case err == nil:
			breaker = &st
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("execution_service: load breaker: %w", err)
		}
	}
	if s.routes != nil {
		recs, err := s.routes.LoadRoutes(ctx)
		if err != nil {
			return fmt.Errorf("execution_service: load routes: %w", err)
		}
		routes = recs
	}
	if s.results != nil {
		id, err := s.results.NextID(ctx)
		if err != nil {
			return fmt.Errorf("execution_service: next result id: %w", err)
		}
		nextID = id
	}

	s.engine.Restore(stats, breaker, routes, nextID)
	if logged {
		s.logger.InfoContext(ctx, "engine state restored",
			slog.Bool("statistics", stats != nil),
			slog.Bool("breaker", breaker != nil),
			slog.Int("failed_routes", len(routes)),
			slog.Uint64("next_result_id", nextID),
		)
	}
	return nil
}

// Execute runs one request for caller. The result is returned even when
// err is non-nil, as long as the engine recorded the attempt (ID > 0).
func (s *ExecutionService) Execute(ctx context.Context, caller common.Address, req domain.TradeRequest) (domain.TradeResult, error) {
	if err := s.throttle(ctx, caller); err != nil {
		return domain.TradeResult{}, err
	}
	if req.MaxGasPrice == nil && s.cfg.DefaultMaxGasPrice != nil {
		req.MaxGasPrice = new(big.Int).Set(s.cfg.DefaultMaxGasPrice)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks != nil {
		release, err := s.locks.Acquire(ctx, executionLockKey, s.cfg.LockTTL)
		if err != nil {
			return domain.TradeResult{}, fmt.Errorf("execution_service: acquire lock: %w", err)
		}
		defer release()
		// Another process may have executed since our last run.
		if err := s.sync(ctx); err != nil {
			return domain.TradeResult{}, err
		}
	}

	block, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("execution_service: block number: %w", err)
	}
	gasPrice, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("execution_service: gas price: %w", err)
	}

	call := domain.Call{Caller: caller, GasPrice: gasPrice, BlockNumber: block}
	res, execErr := s.engine.RequestExecution(ctx, call, req)
	if res.ID != 0 {
		s.persist(ctx, res)
	}
	return res, execErr
}

func (s *ExecutionService) throttle(ctx context.Context, caller common.Address) error {
	if s.limiter == nil || s.cfg.RateLimit <= 0 {
		return nil
	}
	key := "exec:" + strings.ToLower(caller.Hex())
	ok, err := s.limiter.Allow(ctx, key, s.cfg.RateLimit, s.cfg.RateLimitWindow)
	if err != nil {
		// Fail open; the breaker still bounds volume.
		s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("execution_service: caller %s: %w", caller.Hex(), domain.ErrRateLimited)
	}
	return nil
}

// sync reloads shared aggregates, keeping the locally sampled volatility.
func (s *ExecutionService) sync(ctx context.Context) error {
	vol := s.engine.Statistics().VolatilityIndex
	if err := s.restore(ctx, false); err != nil {
		return err
	}
	st := s.engine.Statistics()
	if st.VolatilityIndex != vol {
		st.VolatilityIndex = vol
		s.engine.Restore(&st, nil, nil, 0)
	}
	return nil
}

// persist writes the attempt and the aggregates it touched. Failures are
// logged; the in-memory engine remains authoritative for this process.
func (s *ExecutionService) persist(ctx context.Context, res domain.TradeResult) {
	if s.results != nil {
		if _, err := s.results.Append(ctx, res); err != nil {
			s.logger.WarnContext(ctx, "persist trade result failed",
				slog.Uint64("id", res.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.stats != nil {
		if err := s.stats.Save(ctx, s.engine.Statistics()); err != nil {
			s.logger.WarnContext(ctx, "persist statistics failed", slog.String("error", err.Error()))
		}
	}
	if s.breaker != nil {
		if err := s.breaker.SaveBreaker(ctx, s.engine.BreakerState()); err != nil {
			s.logger.WarnContext(ctx, "persist breaker failed", slog.String("error", err.Error()))
		}
	}
	// A success can also count against its route when realized profit
	// diverged from the projection.
	if s.routes != nil {
		for _, rec := range s.engine.FailedRoutes() {
			if rec.Fingerprint != res.Route {
				continue
			}
			if err := s.routes.SaveRoute(ctx, rec); err != nil {
				s.logger.WarnContext(ctx, "persist route failed",
					slog.String("route", rec.Fingerprint.Hex()),
					slog.String("error", err.Error()),
				)
			}
			break
		}
	}
}

// Get returns a result by ID from memory or the result store.
func (s *ExecutionService) Get(ctx context.Context, id uint64) (domain.TradeResult, error) {
	if res, ok := s.engine.Result(id); ok {
		return res, nil
	}
	if s.results == nil {
		return domain.TradeResult{}, fmt.Errorf("execution_service: result %d: %w", id, domain.ErrNotFound)
	}
	res, err := s.results.GetByID(ctx, id)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("execution_service: result %d: %w", id, err)
	}
	return res, nil
}

// List returns results newest first.
func (s *ExecutionService) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeResult, error) {
	if s.results != nil {
		out, err := s.results.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("execution_service: list results: %w", err)
		}
		return out, nil
	}

	recent := s.engine.RecentResults(0)
	filtered := recent[:0:0]
	for _, r := range recent {
		if opts.Since != nil && r.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !r.Timestamp.Before(*opts.Until) {
			continue
		}
		filtered = append(filtered, r)
	}
	if opts.Offset >= len(filtered) {
		return []domain.TradeResult{}, nil
	}
	filtered = filtered[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

// Statistics returns the engine statistics.
func (s *ExecutionService) Statistics() domain.Statistics { return s.engine.Statistics() }

// Breaker returns the circuit breaker window.
func (s *ExecutionService) Breaker() domain.CircuitBreakerState { return s.engine.BreakerState() }

// FailedRoutes returns the failed-route table.
func (s *ExecutionService) FailedRoutes() []domain.FailedRouteRecord { return s.engine.FailedRoutes() }

// MinProfitBps reports the threshold a request with the given floor would
// currently face.
func (s *ExecutionService) MinProfitBps(requestBps uint32) uint32 {
	return s.engine.DynamicMinProfitBps(requestBps)
}

// Locker returns the mutex that serializes executions, so administrative
// changes never interleave with an in-flight trade.
func (s *ExecutionService) Locker() sync.Locker { return &s.mu }
