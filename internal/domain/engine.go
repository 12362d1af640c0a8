package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LoanGrant is what the lender advanced for one execution.
type LoanGrant struct {
	Lender  common.Address
	Tokens  []common.Address
	Amounts []*big.Int
	Fees    []*big.Int
}

// Owed returns principal plus fee for token index i.
func (g LoanGrant) Owed(i int) *big.Int {
	return new(big.Int).Add(g.Amounts[i], g.Fees[i])
}

// ExecState tags the continuation handed to the lender.
type ExecState string

const (
	ExecPending   ExecState = "pending"
	ExecExecuting ExecState = "executing"
	ExecCommitted ExecState = "committed"
	ExecAborted   ExecState = "aborted"
)

// ExecutionContext is the per-trade scratch state of one atomic unit.
type ExecutionContext struct {
	ID               string
	Request          TradeRequest
	Call             Call
	State            ExecState
	StartingBalances map[common.Address]*big.Int
	LegOutputs       []*big.Int
	StartedAt        time.Time
	Budget           time.Duration
	ExpectedProfit   *big.Int
	DynamicMinProfit *big.Int
	RealizedProfit   *big.Int
	Grant            *LoanGrant
	Payouts          []Payout
}

// Elapsed reports how much of the time budget has been used.
func (c *ExecutionContext) Elapsed(now time.Time) time.Duration {
	return now.Sub(c.StartedAt)
}

// BreakerState is the circuit breaker level.
type BreakerState string

const (
	BreakerNormal    BreakerState = "normal"
	BreakerWarning   BreakerState = "warning"
	BreakerEmergency BreakerState = "emergency"
)

// CircuitBreakerState is the persisted rolling window of the breaker.
type CircuitBreakerState struct {
	MaxVolumePerPeriod *big.Int      `json:"max_volume_per_period"`
	MaxTradesPerPeriod uint64        `json:"max_trades_per_period"`
	PeriodDuration     time.Duration `json:"period_duration"`
	WarningRatioBps    uint32        `json:"warning_ratio_bps"`
	CurrentPeriodStart time.Time     `json:"current_period_start"`
	CurrentVolume      *big.Int      `json:"current_volume"`
	CurrentTrades      uint64        `json:"current_trades"`
	State              BreakerState  `json:"state"`
	Override           BreakerState  `json:"override,omitempty"`
}

// Clone deep-copies the big.Int fields.
func (s CircuitBreakerState) Clone() CircuitBreakerState {
	out := s
	out.MaxVolumePerPeriod = cloneInt(s.MaxVolumePerPeriod)
	out.CurrentVolume = cloneInt(s.CurrentVolume)
	return out
}

// BreakerTransition is emitted whenever the breaker changes level.
type BreakerTransition struct {
	From   BreakerState
	To     BreakerState
	Volume *big.Int
	Trades uint64
	At     time.Time
}

// FailedRouteRecord tracks failures of one route fingerprint.
type FailedRouteRecord struct {
	Fingerprint common.Hash `json:"fingerprint"`
	Failures    uint32      `json:"failures"`
	LastFailure time.Time   `json:"last_failure"`
}

// Statistics aggregates all attempts.
type Statistics struct {
	TotalAttempts       uint64    `json:"total_attempts"`
	SuccessfulTrades    uint64    `json:"successful_trades"`
	FailedTrades        uint64    `json:"failed_trades"`
	TotalVolume         *big.Int  `json:"total_volume"`
	TotalProfit         *big.Int  `json:"total_profit"`
	TotalGasUsed        uint64    `json:"total_gas_used"`
	AverageGas          uint64    `json:"average_gas"`
	VolatilityIndex     uint32    `json:"volatility_index"`
	CircuitBreakerTrips uint64    `json:"circuit_breaker_trips"`
	MEVProtectedTrades  uint64    `json:"mev_protected_trades"`
	LastTradeAt         time.Time `json:"last_trade_at"`
	LastTradeBlock      uint64    `json:"last_trade_block"`
}

// Clone deep-copies the big.Int fields.
func (s Statistics) Clone() Statistics {
	out := s
	out.TotalVolume = cloneInt(s.TotalVolume)
	out.TotalProfit = cloneInt(s.TotalProfit)
	return out
}

// ProfitShare is one configured profit recipient.
type ProfitShare struct {
	Recipient common.Address `json:"recipient"`
	Bps       uint32         `json:"bps"`
}

// Payout is one transfer made by the distributor.
type Payout struct {
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
}

// ProfitParams are the dynamic minimum-profit knobs.
type ProfitParams struct {
	BaseBps            uint32 `json:"base_bps"`
	VolatilityMultiple uint32 `json:"volatility_multiplier"`
	MaxBps             uint32 `json:"max_bps"`
}

// BreakerLimits are the administrative breaker thresholds.
type BreakerLimits struct {
	MaxVolumePerPeriod *big.Int      `json:"max_volume_per_period"`
	MaxTradesPerPeriod uint64        `json:"max_trades_per_period"`
	PeriodDuration     time.Duration `json:"period_duration"`
	WarningRatioBps    uint32        `json:"warning_ratio_bps"`
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
