package lender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/ledger"
)

var (
	vaultAddr = common.HexToAddress("0x7a")
	borrowerA = common.HexToAddress("0xb0")
	weth      = common.HexToAddress("0xe0")
)

type borrowerFunc struct {
	fn func(ctx context.Context, lender common.Address, tokens []common.Address, amounts, fees []*big.Int) error
}

func (b borrowerFunc) Address() common.Address { return borrowerA }
func (b borrowerFunc) OnLoanReceived(ctx context.Context, lender common.Address, tokens []common.Address, amounts, fees []*big.Int, _ []byte) error {
	return b.fn(ctx, lender, tokens, amounts, fees)
}

func newVault(t *testing.T, feeBps uint32) (*ledger.Ledger, *Vault) {
	t.Helper()
	l := ledger.New()
	require.NoError(t, l.Mint(weth, vaultAddr, big.NewInt(1_000_000)))
	require.NoError(t, l.Mint(weth, borrowerA, big.NewInt(100)))
	l.Commit()
	return l, NewVault(vaultAddr, l, feeBps, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRequestLoanRepaid(t *testing.T) {
	l, v := newVault(t, 5)
	var gotFee *big.Int
	err := v.RequestLoan(context.Background(), borrowerFunc{fn: func(_ context.Context, lender common.Address, tokens []common.Address, amounts, fees []*big.Int) error {
		assert.Equal(t, vaultAddr, lender)
		gotFee = fees[0]
		owed := new(big.Int).Add(amounts[0], fees[0])
		return l.Transfer(tokens[0], borrowerA, vaultAddr, owed)
	}}, []common.Address{weth}, []*big.Int{big.NewInt(100_000)}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(50), gotFee.Int64())
	assert.Equal(t, int64(1_000_050), l.BalanceOf(weth, vaultAddr).Int64())
	assert.Equal(t, int64(50), l.BalanceOf(weth, borrowerA).Int64())
}

func TestRequestLoanShortfallReverts(t *testing.T) {
	l, v := newVault(t, 5)
	err := v.RequestLoan(context.Background(), borrowerFunc{fn: func(_ context.Context, _ common.Address, tokens []common.Address, amounts, _ []*big.Int) error {
		return l.Transfer(tokens[0], borrowerA, vaultAddr, amounts[0])
	}}, []common.Address{weth}, []*big.Int{big.NewInt(100_000)}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRepaymentShortfall))
	assert.Equal(t, int64(1_000_000), l.BalanceOf(weth, vaultAddr).Int64())
	assert.Equal(t, int64(100), l.BalanceOf(weth, borrowerA).Int64())
}

func TestRequestLoanCallbackErrorReverts(t *testing.T) {
	l, v := newVault(t, 0)
	boom := errors.New("boom")
	err := v.RequestLoan(context.Background(), borrowerFunc{fn: func(context.Context, common.Address, []common.Address, []*big.Int, []*big.Int) error {
		return boom
	}}, []common.Address{weth}, []*big.Int{big.NewInt(10)}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(100), l.BalanceOf(weth, borrowerA).Int64())
}

func TestRequestLoanRejectsNested(t *testing.T) {
	_, v := newVault(t, 0)
	var inner error
	_ = v.RequestLoan(context.Background(), borrowerFunc{fn: func(ctx context.Context, _ common.Address, tokens []common.Address, amounts, _ []*big.Int) error {
		inner = v.RequestLoan(ctx, borrowerFunc{fn: func(context.Context, common.Address, []common.Address, []*big.Int, []*big.Int) error { return nil }}, tokens, amounts, nil)
		return inner
	}}, []common.Address{weth}, []*big.Int{big.NewInt(10)}, nil)
	assert.ErrorIs(t, inner, errLoanInProgress)
}

func TestRequestLoanInsufficientLiquidity(t *testing.T) {
	_, v := newVault(t, 0)
	err := v.RequestLoan(context.Background(), borrowerFunc{fn: func(context.Context, common.Address, []common.Address, []*big.Int, []*big.Int) error {
		return nil
	}}, []common.Address{weth}, []*big.Int{big.NewInt(2_000_000)}, nil)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
}
