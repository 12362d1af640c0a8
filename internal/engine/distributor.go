package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Distributor splits realized profit among configured recipients.
type Distributor struct {
	ledger domain.Ledger

	mu     sync.RWMutex
	shares []domain.ProfitShare
}

// NewDistributor creates a distributor with the given shares.
func NewDistributor(l domain.Ledger, shares []domain.ProfitShare) (*Distributor, error) {
	d := &Distributor{ledger: l}
	if err := d.SetShares(shares); err != nil {
		return nil, err
	}
	return d, nil
}

// ValidateShares rejects zero recipients and totals above 10000 bps.
func ValidateShares(shares []domain.ProfitShare) error {
	var total uint64
	for i, s := range shares {
		if s.Recipient == (common.Address{}) {
			return fmt.Errorf("%w: share %d has the zero recipient", domain.ErrInvalidShares, i)
		}
		total += uint64(s.Bps)
	}
	if total > domain.MaxBps {
		return fmt.Errorf("%w: total %d bps", domain.ErrInvalidShares, total)
	}
	return nil
}

// SetShares replaces the recipient list.
func (d *Distributor) SetShares(shares []domain.ProfitShare) error {
	if err := ValidateShares(shares); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shares = append([]domain.ProfitShare(nil), shares...)
	return nil
}

// Shares returns a copy of the recipient list.
func (d *Distributor) Shares() []domain.ProfitShare {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.ProfitShare(nil), d.shares...)
}

// Split computes payouts for amount. Each share receives amount*bps/10000
// in order; the truncation remainder goes to the last configured recipient,
// or to fallback when no shares are configured. Payouts to the same
// recipient are merged.
func (d *Distributor) Split(amount *big.Int, fallback common.Address) []domain.Payout {
	shares := d.Shares()
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if len(shares) == 0 {
		return []domain.Payout{{Recipient: fallback, Amount: new(big.Int).Set(amount)}}
	}

	payouts := make([]domain.Payout, 0, len(shares))
	index := make(map[common.Address]int, len(shares))
	add := func(to common.Address, v *big.Int) {
		if i, ok := index[to]; ok {
			payouts[i].Amount.Add(payouts[i].Amount, v)
			return
		}
		index[to] = len(payouts)
		payouts = append(payouts, domain.Payout{Recipient: to, Amount: new(big.Int).Set(v)})
	}

	remainder := new(big.Int).Set(amount)
	for _, s := range shares {
		part := domain.BpsOf(amount, s.Bps)
		add(s.Recipient, part)
		remainder.Sub(remainder, part)
	}
	if remainder.Sign() > 0 {
		add(shares[len(shares)-1].Recipient, remainder)
	}
	return payouts
}

// Distribute transfers amount of token from the engine account according
// to Split and returns the payouts made.
func (d *Distributor) Distribute(_ context.Context, token, from common.Address, amount *big.Int, fallback common.Address) ([]domain.Payout, error) {
	payouts := d.Split(amount, fallback)
	for _, p := range payouts {
		if p.Amount.Sign() == 0 {
			continue
		}
		if err := d.ledger.Transfer(token, from, p.Recipient, p.Amount); err != nil {
			return nil, fmt.Errorf("distribute: pay %s: %w", p.Recipient.Hex(), err)
		}
	}
	return payouts, nil
}
