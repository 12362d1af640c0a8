package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeResultStore persists the append-only trade history.
type TradeResultStore interface {
	Append(ctx context.Context, res TradeResult) (uint64, error)
	GetByID(ctx context.Context, id uint64) (TradeResult, error)
	List(ctx context.Context, opts ListOpts) ([]TradeResult, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]TradeResult, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	NextID(ctx context.Context) (uint64, error)
}

// StatisticsStore persists the single statistics row.
type StatisticsStore interface {
	Load(ctx context.Context) (Statistics, error)
	Save(ctx context.Context, stats Statistics) error
}

// BreakerStore persists the circuit breaker window.
type BreakerStore interface {
	LoadBreaker(ctx context.Context) (CircuitBreakerState, error)
	SaveBreaker(ctx context.Context, st CircuitBreakerState) error
}

// RouteStore persists the failed route table.
type RouteStore interface {
	LoadRoutes(ctx context.Context) ([]FailedRouteRecord, error)
	SaveRoute(ctx context.Context, rec FailedRouteRecord) error
	DeleteRoute(ctx context.Context, fingerprint common.Hash) error
}
