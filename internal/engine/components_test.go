package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/ledger"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

func TestGuardDynamicBps(t *testing.T) {
	g, err := NewGuard(domain.ProfitParams{BaseBps: 20, VolatilityMultiple: 3, MaxBps: 1000})
	require.NoError(t, err)

	assert.Equal(t, uint32(20), g.DynamicBps(0))
	assert.Equal(t, uint32(50), g.DynamicBps(50))

	g.SetVolatility(100)
	assert.Equal(t, uint32(320), g.DynamicBps(0))
	assert.Equal(t, int64(32), g.MinProfit(big.NewInt(1000), 0).Int64())

	g.SetVolatility(10_000)
	assert.Equal(t, uint32(1000), g.DynamicBps(0), "capped")

	_, err = NewGuard(domain.ProfitParams{MaxBps: 20_000})
	assert.Error(t, err)
	_, err = NewGuard(domain.ProfitParams{BaseBps: 600, MaxBps: 500})
	assert.Error(t, err)
}

func TestSufficient(t *testing.T) {
	assert.True(t, Sufficient(big.NewInt(15), big.NewInt(1)))
	assert.True(t, Sufficient(big.NewInt(1), big.NewInt(1)))
	assert.False(t, Sufficient(big.NewInt(0), big.NewInt(0)), "profit must be strictly positive")
	assert.False(t, Sufficient(big.NewInt(-5), big.NewInt(1)))
	assert.False(t, Sufficient(nil, big.NewInt(1)))
}

func TestDistributorSplit(t *testing.T) {
	d, err := NewDistributor(ledger.New(), []domain.ProfitShare{{Recipient: r1, Bps: 7000}, {Recipient: r2, Bps: 3000}})
	require.NoError(t, err)

	payouts := d.Split(big.NewInt(101), caller)
	require.Len(t, payouts, 2)
	assert.Equal(t, r1, payouts[0].Recipient)
	assert.Equal(t, int64(70), payouts[0].Amount.Int64())
	assert.Equal(t, r2, payouts[1].Recipient)
	assert.Equal(t, int64(31), payouts[1].Amount.Int64(), "30 plus the rounding remainder")

	t.Run("sum equals input", func(t *testing.T) {
		for _, amount := range []int64{1, 7, 99, 101, 1_000_003} {
			total := new(big.Int)
			for _, p := range d.Split(big.NewInt(amount), caller) {
				total.Add(total, p.Amount)
			}
			assert.Equal(t, amount, total.Int64())
		}
	})

	t.Run("no shares pays fallback", func(t *testing.T) {
		empty, err := NewDistributor(ledger.New(), nil)
		require.NoError(t, err)
		payouts := empty.Split(big.NewInt(15), caller)
		require.Len(t, payouts, 1)
		assert.Equal(t, caller, payouts[0].Recipient)
		assert.Equal(t, int64(15), payouts[0].Amount.Int64())
	})

	t.Run("rejects totals above 10000", func(t *testing.T) {
		_, err := NewDistributor(ledger.New(), []domain.ProfitShare{{Recipient: r1, Bps: 7000}, {Recipient: r2, Bps: 3001}})
		assert.True(t, errors.Is(err, domain.ErrInvalidShares))
	})
}

func TestDistributorDistribute(t *testing.T) {
	l := ledger.New()
	require.NoError(t, l.Mint(tokA, engineAddr, big.NewInt(101)))
	d, err := NewDistributor(l, []domain.ProfitShare{{Recipient: r1, Bps: 7000}, {Recipient: r2, Bps: 3000}})
	require.NoError(t, err)

	_, err = d.Distribute(context.Background(), tokA, engineAddr, big.NewInt(101), caller)
	require.NoError(t, err)
	assert.Equal(t, int64(70), l.BalanceOf(tokA, r1).Int64())
	assert.Equal(t, int64(31), l.BalanceOf(tokA, r2).Int64())
	assert.Equal(t, int64(0), l.BalanceOf(tokA, engineAddr).Int64())
}

func TestRouteValidator(t *testing.T) {
	reg := venue.NewRegistry()
	reg.Register(&fakeVenue{addr: v1Addr})
	reg.Register(&fakeVenue{addr: v2Addr})
	now := time.Unix(1_700_000_000, 0)
	req := domain.TradeRequest{
		Venues:     []common.Address{v1Addr, v2Addr},
		Path:       []common.Address{tokA, tokB, tokA},
		Fees:       []uint32{3000, 500},
		LoanAmount: big.NewInt(1),
		Deadline:   now.Add(time.Minute),
	}

	v := NewRouteValidator(4, 2, reg)
	require.NoError(t, v.Validate(req, now))

	t.Run("zero token", func(t *testing.T) {
		bad := req
		bad.Path = []common.Address{tokA, {}, tokA}
		assert.True(t, errors.Is(v.Validate(bad, now), domain.ErrMalformedRoute))
	})

	t.Run("unregistered venue", func(t *testing.T) {
		bad := req
		bad.Venues = []common.Address{v1Addr, common.HexToAddress("0x99")}
		assert.True(t, errors.Is(v.Validate(bad, now), domain.ErrMalformedRoute))
	})

	t.Run("stale", func(t *testing.T) {
		assert.True(t, errors.Is(v.Validate(req, now.Add(2*time.Minute)), domain.ErrDeadlineExpired))
	})

	t.Run("blacklist after threshold", func(t *testing.T) {
		fp := req.Fingerprint()
		v.RecordFailure(fp, now)
		require.NoError(t, v.Validate(req, now))
		v.RecordFailure(fp, now)
		assert.True(t, errors.Is(v.Validate(req, now), domain.ErrRouteBlacklisted))

		other := req
		other.Fees = []uint32{3000, 3000}
		assert.NotEqual(t, fp, other.Fingerprint())
		assert.NoError(t, v.Validate(other, now))

		assert.True(t, v.Reset(fp))
		assert.NoError(t, v.Validate(req, now))
		assert.False(t, v.Reset(fp))
	})
}

func TestSwapExecutorMeasuresBalanceDelta(t *testing.T) {
	l := ledger.New()
	require.NoError(t, l.Mint(tokA, engineAddr, big.NewInt(1000)))
	require.NoError(t, l.Mint(tokB, engineAddr, big.NewInt(50)))
	require.NoError(t, l.Mint(tokB, v1Addr, big.NewInt(10_000)))
	fv := &fakeVenue{addr: v1Addr, ledger: l, quoteOut: big.NewInt(900)}
	reg := venue.NewRegistry()
	reg.Register(fv)
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	s := NewSwapExecutor(engineAddr, l, reg, clock)

	out, err := s.Swap(context.Background(), SwapParams{
		Venue: v1Addr, TokenIn: tokA, TokenOut: tokB, AmountIn: big.NewInt(1000),
		MinAmountOut: big.NewInt(1), Deadline: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), out.Int64(), "pre-existing balance is not counted")
	assert.Equal(t, int64(0), l.Allowance(tokA, engineAddr, v1Addr).Int64())

	_, err = s.Swap(context.Background(), SwapParams{
		Venue: common.HexToAddress("0x99"), TokenIn: tokA, TokenOut: tokB, AmountIn: big.NewInt(1),
		Deadline: clock.Now().Add(time.Minute),
	})
	assert.True(t, errors.Is(err, domain.ErrVenueUnavailable))

	_, err = s.Swap(context.Background(), SwapParams{
		Venue: v1Addr, TokenIn: tokA, TokenOut: tokB, AmountIn: big.NewInt(1),
		Deadline: clock.Now().Add(-time.Second),
	})
	assert.True(t, errors.Is(err, domain.ErrDeadlineExpired))
}

func TestHistory(t *testing.T) {
	h := NewHistory(2)
	h.SetNextID(10)
	a := h.Append(domain.TradeResult{})
	b := h.Append(domain.TradeResult{})
	c := h.Append(domain.TradeResult{})
	assert.Equal(t, []uint64{10, 11, 12}, []uint64{a.ID, b.ID, c.ID})

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(12), recent[0].ID)
	_, ok := h.Get(10)
	assert.False(t, ok)
}

func TestGasSchedule(t *testing.T) {
	g := GasSchedule{Base: 1, Loan: 10, PerLeg: 100, PerPayout: 1000}
	assert.Equal(t, uint64(2211), g.Success(2, 2))
	assert.Equal(t, uint64(1), g.Failure(domain.StageAdmission, 0))
	assert.Equal(t, uint64(11), g.Failure(domain.StageCallback, 0))
	assert.Equal(t, uint64(211), g.Failure(domain.StageSwap, 2))
}
