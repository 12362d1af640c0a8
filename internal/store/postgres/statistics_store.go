package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// StatisticsStore implements domain.StatisticsStore as a single-row table.
type StatisticsStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.StatisticsStore = (*StatisticsStore)(nil)

// NewStatisticsStore creates a StatisticsStore backed by the given pool.
func NewStatisticsStore(pool *pgxpool.Pool) *StatisticsStore {
	return &StatisticsStore{pool: pool}
}

// Load returns the persisted statistics, or domain.ErrNotFound before the
// first Save.
func (s *StatisticsStore) Load(ctx context.Context) (domain.Statistics, error) {
	const query = `
		SELECT total_attempts, successful_trades, failed_trades,
			total_volume::text, total_profit::text, total_gas_used, average_gas,
			volatility_index, circuit_breaker_trips, mev_protected_trades,
			last_trade_at, last_trade_block
		FROM engine_statistics WHERE id = 1`

	var (
		st                             domain.Statistics
		attempts, ok, failed, gas, avg int64
		trips, mev, block              int64
		volatility                     int32
		volume, profit                 string
		lastAt                         *time.Time
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&attempts, &ok, &failed,
		&volume, &profit, &gas, &avg,
		&volatility, &trips, &mev,
		&lastAt, &block,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Statistics{}, fmt.Errorf("postgres: statistics: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Statistics{}, fmt.Errorf("postgres: load statistics: %w", err)
	}

	st.TotalAttempts = uint64(attempts)
	st.SuccessfulTrades = uint64(ok)
	st.FailedTrades = uint64(failed)
	st.TotalGasUsed = uint64(gas)
	st.AverageGas = uint64(avg)
	st.VolatilityIndex = uint32(volatility)
	st.CircuitBreakerTrips = uint64(trips)
	st.MEVProtectedTrades = uint64(mev)
	st.LastTradeBlock = uint64(block)
	if lastAt != nil {
		st.LastTradeAt = *lastAt
	}
	if st.TotalVolume, err = parseNumeric(volume); err != nil {
		return domain.Statistics{}, err
	}
	if st.TotalProfit, err = parseNumeric(profit); err != nil {
		return domain.Statistics{}, err
	}
	return st, nil
}

// Save upserts the statistics row.
func (s *StatisticsStore) Save(ctx context.Context, st domain.Statistics) error {
	const query = `
		INSERT INTO engine_statistics (
			id, total_attempts, successful_trades, failed_trades,
			total_volume, total_profit, total_gas_used, average_gas,
			volatility_index, circuit_breaker_trips, mev_protected_trades,
			last_trade_at, last_trade_block, updated_at
		) VALUES (
			1, $1, $2, $3,
			$4::numeric, $5::numeric, $6, $7,
			$8, $9, $10,
			$11, $12, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			total_attempts = EXCLUDED.total_attempts,
			successful_trades = EXCLUDED.successful_trades,
			failed_trades = EXCLUDED.failed_trades,
			total_volume = EXCLUDED.total_volume,
			total_profit = EXCLUDED.total_profit,
			total_gas_used = EXCLUDED.total_gas_used,
			average_gas = EXCLUDED.average_gas,
			volatility_index = EXCLUDED.volatility_index,
			circuit_breaker_trips = EXCLUDED.circuit_breaker_trips,
			mev_protected_trades = EXCLUDED.mev_protected_trades,
			last_trade_at = EXCLUDED.last_trade_at,
			last_trade_block = EXCLUDED.last_trade_block,
			updated_at = NOW()`

	var lastAt *time.Time
	if !st.LastTradeAt.IsZero() {
		t := st.LastTradeAt
		lastAt = &t
	}
	_, err := s.pool.Exec(ctx, query,
		int64(st.TotalAttempts), int64(st.SuccessfulTrades), int64(st.FailedTrades),
		numeric(st.TotalVolume), numeric(st.TotalProfit), int64(st.TotalGasUsed), int64(st.AverageGas),
		int32(st.VolatilityIndex), int64(st.CircuitBreakerTrips), int64(st.MEVProtectedTrades),
		lastAt, int64(st.LastTradeBlock),
	)
	if err != nil {
		return fmt.Errorf("postgres: save statistics: %w", err)
	}
	return nil
}
