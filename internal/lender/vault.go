// Package lender provides an in-process flash-loan vault. It advances funds,
// invokes the borrower synchronously and verifies repayment before returning.
package lender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

var errLoanInProgress = errors.New("lender: loan already in progress")

// Vault is a flash lender backed by its own ledger balance.
type Vault struct {
	addr   common.Address
	ledger domain.Ledger
	feeBps uint32
	logger *slog.Logger

	active atomic.Bool
}

// Compile-time interface check.
var _ domain.Lender = (*Vault)(nil)

// NewVault creates a vault at addr charging feeBps on every loan.
func NewVault(addr common.Address, l domain.Ledger, feeBps uint32, logger *slog.Logger) *Vault {
	return &Vault{
		addr:   addr,
		ledger: l,
		feeBps: feeBps,
		logger: logger.With(slog.String("component", "lender")),
	}
}

func (v *Vault) Address() common.Address { return v.addr }

// FeeBps returns the configured loan fee.
func (v *Vault) FeeBps() uint32 { return v.feeBps }

// FlashFee is the fee owed on top of amount.
func (v *Vault) FlashFee(_ common.Address, amount *big.Int) *big.Int {
	return domain.BpsOf(amount, v.feeBps)
}

// Liquidity returns the vault's available balance of token.
func (v *Vault) Liquidity(token common.Address) *big.Int {
	return v.ledger.BalanceOf(token, v.addr)
}

// RequestLoan transfers amounts to borrower, invokes its callback and
// requires every balance to come back with the fee on top. Any failure
// reverts the vault's own effects before the error is returned.
func (v *Vault) RequestLoan(ctx context.Context, borrower domain.FlashBorrower, tokens []common.Address, amounts []*big.Int, data []byte) error {
	if len(tokens) == 0 || len(tokens) != len(amounts) {
		return fmt.Errorf("lender: %d tokens for %d amounts", len(tokens), len(amounts))
	}
	if !v.active.CompareAndSwap(false, true) {
		return errLoanInProgress
	}
	defer v.active.Store(false)

	snap := v.ledger.Snapshot()
	err := v.lend(ctx, borrower, tokens, amounts, data)
	if err != nil {
		v.ledger.RevertToSnapshot(snap)
		return err
	}
	return nil
}

func (v *Vault) lend(ctx context.Context, borrower domain.FlashBorrower, tokens []common.Address, amounts []*big.Int, data []byte) error {
	before := make([]*big.Int, len(tokens))
	fees := make([]*big.Int, len(tokens))
	for i, token := range tokens {
		if amounts[i] == nil || amounts[i].Sign() <= 0 {
			return fmt.Errorf("lender: non-positive amount for %s", token.Hex())
		}
		before[i] = v.ledger.BalanceOf(token, v.addr)
		fees[i] = v.FlashFee(token, amounts[i])
		if err := v.ledger.Transfer(token, v.addr, borrower.Address(), amounts[i]); err != nil {
			return fmt.Errorf("lender: advance %s: %w", token.Hex(), err)
		}
	}

	if err := borrower.OnLoanReceived(ctx, v.addr, tokens, amounts, fees, data); err != nil {
		return err
	}

	for i, token := range tokens {
		want := new(big.Int).Add(before[i], fees[i])
		have := v.ledger.BalanceOf(token, v.addr)
		if have.Cmp(want) < 0 {
			v.logger.ErrorContext(ctx, "loan not repaid",
				slog.String("token", token.Hex()),
				slog.String("want", want.String()),
				slog.String("have", have.String()),
			)
			return fmt.Errorf("lender: %s short by %s: %w",
				token.Hex(), new(big.Int).Sub(want, have), domain.ErrRepaymentShortfall)
		}
	}
	return nil
}
