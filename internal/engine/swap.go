package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// SwapParams describes one leg to execute.
type SwapParams struct {
	Venue        common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Fee          uint32
	Deadline     time.Time
}

// SwapExecutor runs single exact-input swaps on behalf of the engine
// account. It never retries.
type SwapExecutor struct {
	self   common.Address
	ledger domain.Ledger
	venues domain.VenueResolver
	clock  domain.Clock
}

// NewSwapExecutor creates an executor trading from self.
func NewSwapExecutor(self common.Address, l domain.Ledger, venues domain.VenueResolver, clock domain.Clock) *SwapExecutor {
	return &SwapExecutor{self: self, ledger: l, venues: venues, clock: clock}
}

// Swap approves exactly AmountIn, swaps, resets the approval and returns
// the output measured by the engine's balance change.
func (s *SwapExecutor) Swap(ctx context.Context, p SwapParams) (*big.Int, error) {
	if s.clock.Now().After(p.Deadline) {
		return nil, fmt.Errorf("swap: %w", domain.ErrDeadlineExpired)
	}
	venue, ok := s.venues.Venue(p.Venue)
	if !ok {
		return nil, fmt.Errorf("swap: venue %s not registered: %w", p.Venue.Hex(), domain.ErrVenueUnavailable)
	}

	before := s.ledger.BalanceOf(p.TokenOut, s.self)
	if err := s.ledger.Approve(p.TokenIn, s.self, p.Venue, p.AmountIn); err != nil {
		return nil, fmt.Errorf("swap: approve %s: %w", p.Venue.Hex(), err)
	}

	_, err := venue.ExactInputSingle(ctx, s.self, domain.ExactInputParams{
		TokenIn:          p.TokenIn,
		TokenOut:         p.TokenOut,
		Fee:              p.Fee,
		Recipient:        s.self,
		Deadline:         p.Deadline,
		AmountIn:         p.AmountIn,
		AmountOutMinimum: p.MinAmountOut,
	})
	if resetErr := s.ledger.Approve(p.TokenIn, s.self, p.Venue, new(big.Int)); resetErr != nil && err == nil {
		err = fmt.Errorf("swap: reset approval: %w", resetErr)
	}
	if err != nil {
		return nil, classifySwapError(p.Venue, err)
	}

	received := new(big.Int).Sub(s.ledger.BalanceOf(p.TokenOut, s.self), before)
	if received.Sign() <= 0 {
		return nil, fmt.Errorf("swap: %s returned nothing: %w", p.Venue.Hex(), domain.ErrVenueUnavailable)
	}
	if p.MinAmountOut != nil && received.Cmp(p.MinAmountOut) < 0 {
		return nil, fmt.Errorf("swap: %s received %s below minimum %s: %w",
			p.Venue.Hex(), received, p.MinAmountOut, domain.ErrSlippageExceeded)
	}
	return received, nil
}

// classifySwapError keeps known swap failures and treats anything else the
// venue raised as the venue being unavailable.
func classifySwapError(venue common.Address, err error) error {
	switch {
	case errors.Is(err, domain.ErrSlippageExceeded),
		errors.Is(err, domain.ErrDeadlineExpired),
		errors.Is(err, domain.ErrVenueUnavailable):
		return fmt.Errorf("swap: %s: %w", venue.Hex(), err)
	default:
		return fmt.Errorf("swap: %s: %w: %w", venue.Hex(), domain.ErrVenueUnavailable, err)
	}
}
