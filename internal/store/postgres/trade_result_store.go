package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// TradeResultStore implements domain.TradeResultStore using PostgreSQL.
type TradeResultStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.TradeResultStore = (*TradeResultStore)(nil)

// NewTradeResultStore creates a TradeResultStore backed by the given pool.
func NewTradeResultStore(pool *pgxpool.Pool) *TradeResultStore {
	return &TradeResultStore{pool: pool}
}

const tradeResultSelectCols = `id, execution_id, success, caller, token_in, token_out,
	venues, route, loan_amount::text, loan_fee::text, expected_profit::text,
	realized_profit::text, gas_used, gas_price::text, block_number, mev_protected,
	failure_reason, failure_class, failed_stage, failed_step, timestamp`

func scanTradeResult(row pgx.Row) (domain.TradeResult, error) {
	var (
		r                                    domain.TradeResult
		caller, tokenIn, tokenOut, route     string
		venues                               []string
		loan, fee, expected, realized, gasPx string
		class, stage                         string
		id, gasUsed, block                   int64
	)
	if err := row.Scan(
		&id, &r.ExecutionID, &r.Success, &caller, &tokenIn, &tokenOut,
		&venues, &route, &loan, &fee, &expected,
		&realized, &gasUsed, &gasPx, &block, &r.MEVProtected,
		&r.FailureReason, &class, &stage, &r.FailedStep, &r.Timestamp,
	); err != nil {
		return domain.TradeResult{}, err
	}

	r.ID = uint64(id)
	r.GasUsed = uint64(gasUsed)
	r.BlockNumber = uint64(block)
	r.Caller = common.HexToAddress(caller)
	r.TokenIn = common.HexToAddress(tokenIn)
	r.TokenOut = common.HexToAddress(tokenOut)
	r.Route = common.HexToHash(route)
	r.FailureClass = domain.ErrorClass(class)
	r.FailedStage = domain.Stage(stage)
	r.Venues = make([]common.Address, 0, len(venues))
	for _, v := range venues {
		r.Venues = append(r.Venues, common.HexToAddress(v))
	}

	var err error
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&r.LoanAmount, loan}, {&r.LoanFee, fee}, {&r.ExpectedProfit, expected},
		{&r.RealizedProfit, realized}, {&r.GasPrice, gasPx},
	} {
		if *f.dst, err = parseNumeric(f.src); err != nil {
			return domain.TradeResult{}, err
		}
	}
	return r, nil
}

func scanTradeResultRows(rows pgx.Rows) ([]domain.TradeResult, error) {
	var out []domain.TradeResult
	for rows.Next() {
		r, err := scanTradeResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Append inserts a result under the ID the engine assigned and advances the
// ID high-water mark. Re-appending the same ID is a no-op.
func (s *TradeResultStore) Append(ctx context.Context, r domain.TradeResult) (uint64, error) {
	venues := make([]string, 0, len(r.Venues))
	for _, v := range r.Venues {
		venues = append(venues, v.Hex())
	}

	const query = `
		WITH ins AS (
		INSERT INTO trade_results (
			id, execution_id, success, caller, token_in, token_out,
			venues, route, loan_amount, loan_fee, expected_profit,
			realized_profit, gas_used, gas_price, block_number, mev_protected,
			failure_reason, failure_class, failed_stage, failed_step, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9::numeric, $10::numeric, $11::numeric,
			$12::numeric, $13, $14::numeric, $15, $16,
			$17, $18, $19, $20, $21
		) ON CONFLICT (id) DO NOTHING
		RETURNING id
		)
		INSERT INTO trade_result_seq (id, last_id)
		SELECT 1, id FROM ins
		ON CONFLICT (id) DO UPDATE SET last_id = GREATEST(trade_result_seq.last_id, EXCLUDED.last_id)`

	_, err := s.pool.Exec(ctx, query,
		int64(r.ID), r.ExecutionID, r.Success, r.Caller.Hex(), r.TokenIn.Hex(), r.TokenOut.Hex(),
		venues, r.Route.Hex(), numeric(r.LoanAmount), numeric(r.LoanFee), numeric(r.ExpectedProfit),
		numeric(r.RealizedProfit), int64(r.GasUsed), numeric(r.GasPrice), int64(r.BlockNumber), r.MEVProtected,
		r.FailureReason, string(r.FailureClass), string(r.FailedStage), r.FailedStep, r.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: append trade result %d: %w", r.ID, err)
	}
	return r.ID, nil
}

// GetByID returns a single result or domain.ErrNotFound.
func (s *TradeResultStore) GetByID(ctx context.Context, id uint64) (domain.TradeResult, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeResultSelectCols+` FROM trade_results WHERE id = $1`, int64(id))
	r, err := scanTradeResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeResult{}, fmt.Errorf("postgres: trade result %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("postgres: get trade result %d: %w", id, err)
	}
	return r, nil
}

// List returns results newest first with pagination and optional time
// filtering.
func (s *TradeResultStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeResult, error) {
	query := `SELECT ` + tradeResultSelectCols + ` FROM trade_results WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade results: %w", err)
	}
	defer rows.Close()

	out, err := scanTradeResultRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade results: %w", err)
	}
	return out, nil
}

// ListBefore returns up to limit results older than before, oldest first.
func (s *TradeResultStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeResult, error) {
	query := `SELECT ` + tradeResultSelectCols + ` FROM trade_results WHERE timestamp < $1 ORDER BY id ASC`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade results before: %w", err)
	}
	defer rows.Close()
	return scanTradeResultRows(rows)
}

// DeleteBefore removes results older than before and reports how many.
func (s *TradeResultStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_results WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trade results before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NextID returns the ID the next appended result should take. Archived
// results still count.
func (s *TradeResultStore) NextID(ctx context.Context) (uint64, error) {
	const query = `SELECT GREATEST(
		(SELECT COALESCE(MAX(id), 0) FROM trade_results),
		(SELECT COALESCE(MAX(last_id), 0) FROM trade_result_seq)
	) + 1`
	var next int64
	if err := s.pool.QueryRow(ctx, query).Scan(&next); err != nil {
		return 0, fmt.Errorf("postgres: next trade result id: %w", err)
	}
	return uint64(next), nil
}
