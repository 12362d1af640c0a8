package engine

import (
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Stats is the statistics aggregate. Only the orchestrator mutates it.
type Stats struct {
	mu sync.RWMutex
	s  domain.Statistics
}

// NewStats creates zeroed statistics.
func NewStats() *Stats {
	return &Stats{s: domain.Statistics{TotalVolume: new(big.Int), TotalProfit: new(big.Int)}}
}

// Snapshot returns a deep copy.
func (st *Stats) Snapshot() domain.Statistics {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Clone()
}

// Load replaces the aggregate with persisted values.
func (st *Stats) Load(s domain.Statistics) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = s.Clone()
	if st.s.TotalVolume == nil {
		st.s.TotalVolume = new(big.Int)
	}
	if st.s.TotalProfit == nil {
		st.s.TotalProfit = new(big.Int)
	}
}

func (st *Stats) recordSuccess(volume, profit *big.Int, gas uint64, mev bool, at time.Time, block uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.TotalAttempts++
	st.s.SuccessfulTrades++
	st.s.TotalVolume = new(big.Int).Add(st.s.TotalVolume, volume)
	st.s.TotalProfit = new(big.Int).Add(st.s.TotalProfit, profit)
	st.s.TotalGasUsed += gas
	st.s.AverageGas = st.s.TotalGasUsed / st.s.SuccessfulTrades
	if mev {
		st.s.MEVProtectedTrades++
	}
	st.s.LastTradeAt = at
	st.s.LastTradeBlock = block
}

func (st *Stats) recordFailure(breakerTripped bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.TotalAttempts++
	st.s.FailedTrades++
	if breakerTripped {
		st.s.CircuitBreakerTrips++
	}
}

func (st *Stats) setVolatility(index uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.VolatilityIndex = index
}
