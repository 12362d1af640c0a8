package engine

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Guard derives the dynamic minimum profit from a base figure and the
// current volatility index.
type Guard struct {
	mu         sync.RWMutex
	params     domain.ProfitParams
	volatility uint32
}

// NewGuard creates a guard. A zero MaxBps caps at 10000.
func NewGuard(p domain.ProfitParams) (*Guard, error) {
	g := &Guard{}
	if err := g.SetParams(p); err != nil {
		return nil, err
	}
	return g, nil
}

// SetParams replaces the profit parameters.
func (g *Guard) SetParams(p domain.ProfitParams) error {
	if p.MaxBps == 0 {
		p.MaxBps = domain.MaxBps
	}
	if p.MaxBps > domain.MaxBps {
		return fmt.Errorf("engine: profit cap %d bps exceeds 10000", p.MaxBps)
	}
	if p.BaseBps > p.MaxBps {
		return fmt.Errorf("engine: base profit %d bps exceeds cap %d", p.BaseBps, p.MaxBps)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = p
	return nil
}

// Params returns the current parameters.
func (g *Guard) Params() domain.ProfitParams {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params
}

// SetVolatility feeds a new volatility index, in bps.
func (g *Guard) SetVolatility(index uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volatility = index
}

// Volatility returns the current volatility index.
func (g *Guard) Volatility() uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.volatility
}

// DynamicBps is max(requestBps, base) + volatility*multiplier, capped.
func (g *Guard) DynamicBps(requestBps uint32) uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	base := uint64(g.params.BaseBps)
	if uint64(requestBps) > base {
		base = uint64(requestBps)
	}
	bps := base + uint64(g.volatility)*uint64(g.params.VolatilityMultiple)
	if bps > uint64(g.params.MaxBps) {
		bps = uint64(g.params.MaxBps)
	}
	return uint32(bps)
}

// MinProfit is loan * DynamicBps / 10000.
func (g *Guard) MinProfit(loan *big.Int, requestBps uint32) *big.Int {
	return domain.BpsOf(loan, g.DynamicBps(requestBps))
}

// Sufficient reports whether profit is strictly positive and at least floor.
func Sufficient(profit, floor *big.Int) bool {
	return profit != nil && profit.Sign() > 0 && profit.Cmp(floor) >= 0
}
