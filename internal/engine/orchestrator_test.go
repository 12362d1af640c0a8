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
)

func TestRequestExecution_ProfitableRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.RequestExecution(ctx, h.call(100), h.request())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, uint64(1), res.ID)
	assert.Equal(t, int64(15), res.RealizedProfit.Int64())
	assert.Equal(t, int64(15), res.ExpectedProfit.Int64())
	assert.Equal(t, h.request().Fingerprint(), res.Route)

	// Loan repaid exactly, profit paid to the caller, engine flat.
	assert.Equal(t, int64(inventory), h.ledger.BalanceOf(tokA, vaultAddr).Int64())
	assert.Equal(t, int64(15), h.ledger.BalanceOf(tokA, caller).Int64())
	assert.Equal(t, int64(0), h.ledger.BalanceOf(tokA, engineAddr).Int64())
	assert.Equal(t, int64(0), h.ledger.BalanceOf(tokB, engineAddr).Int64())

	// Approvals are reset after every leg.
	assert.Equal(t, int64(0), h.ledger.Allowance(tokA, engineAddr, v1Addr).Int64())
	assert.Equal(t, int64(0), h.ledger.Allowance(tokB, engineAddr, v2Addr).Int64())

	stats := h.orch.Statistics()
	assert.Equal(t, uint64(1), stats.TotalAttempts)
	assert.Equal(t, uint64(1), stats.SuccessfulTrades)
	assert.Equal(t, int64(1000), stats.TotalVolume.Int64())
	assert.Equal(t, int64(15), stats.TotalProfit.Int64())
	assert.Equal(t, DefaultGasSchedule.Success(2, 1), stats.TotalGasUsed)
	assert.Equal(t, uint64(100), stats.LastTradeBlock)

	assert.Equal(t, []domain.EventKind{domain.EventTradeStarted, domain.EventTradeSucceeded}, h.eventKinds())
}

func TestRequestExecution_RealizedShortfallUnwinds(t *testing.T) {
	h := newHarness(t)
	h.v2.execOut = big.NewInt(995)
	req := h.request()
	req.MaxSlippageBps = 300
	before := h.balances()

	res, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientRealizedProfit))
	assert.Equal(t, domain.ClassProfitability, domain.Classify(err))

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.FailedStep)
	assert.Equal(t, domain.StageProfit, res.FailedStage)
	assert.Equal(t, int64(-5), res.RealizedProfit.Int64())
	assert.Equal(t, 1, h.lender.calls)
	assert.Equal(t, before, h.balances(), "no balance may change after an aborted unit")
	assert.Equal(t, 0, h.ledger.JournalLen())

	stats := h.orch.Statistics()
	assert.Equal(t, uint64(1), stats.FailedTrades)
	assert.Equal(t, int64(0), stats.TotalVolume.Int64())
	assert.Equal(t, int64(0), h.breaker.Snapshot().CurrentVolume.Int64())
}

func TestRequestExecution_BreakerTripped(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.limits = domain.BreakerLimits{MaxVolumePerPeriod: big.NewInt(10_000), PeriodDuration: time.Hour}
	})
	state, _ := h.breaker.Admit(big.NewInt(9500), h.clock.Now())
	require.Equal(t, domain.BreakerWarning, state)

	res, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircuitBreakerTripped))
	assert.Equal(t, domain.ClassAdmission, domain.Classify(err))
	assert.Equal(t, domain.StageAdmission, res.FailedStage)
	assert.Equal(t, 0, h.lender.calls)
	assert.Equal(t, 0, h.oracle.calls)

	st := h.breaker.Snapshot()
	assert.Equal(t, int64(9500), st.CurrentVolume.Int64())
	assert.Equal(t, domain.BreakerWarning, st.State)
	assert.Equal(t, uint64(1), h.orch.Statistics().CircuitBreakerTrips)
	// The trip is rolled back with the unit, so it is reported as a
	// rejection rather than a state change.
	assert.NotContains(t, h.eventKinds(), domain.EventBreakerTransition)
	assert.Contains(t, h.eventKinds(), domain.EventTradeFailed)
}

func TestRequestExecution_BreakerTransitionReportedOnCommit(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.limits = domain.BreakerLimits{MaxVolumePerPeriod: big.NewInt(1200), PeriodDuration: time.Hour}
	})

	_, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerWarning, h.breaker.Snapshot().State)

	kinds := h.eventKinds()
	require.Contains(t, kinds, domain.EventBreakerTransition)
	assert.Equal(t, domain.EventBreakerTransition, kinds[len(kinds)-1], "reported after the trade commits")
}

func TestRequestExecution_AbortedUnitHidesBreakerTransition(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.limits = domain.BreakerLimits{MaxVolumePerPeriod: big.NewInt(1200), PeriodDuration: time.Hour}
	})
	h.v2.quoteOut = big.NewInt(1000)

	_, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.ErrorIs(t, err, domain.ErrInsufficientProjectedProfit)
	assert.Equal(t, domain.BreakerNormal, h.breaker.Snapshot().State)
	assert.NotContains(t, h.eventKinds(), domain.EventBreakerTransition)
}

func TestRequestExecution_ExpiredDeadline(t *testing.T) {
	h := newHarness(t)
	req := h.request()
	req.Deadline = h.clock.Now().Add(-time.Second)

	res, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDeadlineExpired))
	assert.Equal(t, domain.StageAdmission, res.FailedStage)
	assert.Equal(t, 0, h.oracle.calls)
	assert.Equal(t, 0, h.lender.calls)
	assert.Equal(t, int64(0), h.breaker.Snapshot().CurrentVolume.Int64())
}

func TestRequestExecution_TooManyHops(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.maxHops = 4 })
	req := h.request()
	req.Venues = []common.Address{v1Addr, v2Addr, v1Addr, v2Addr, v1Addr}
	req.Path = []common.Address{tokA, tokB, tokA, tokB, tokB, tokA}
	req.Fees = []uint32{3000, 3000, 3000, 3000, 3000}

	res, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformedRoute))
	assert.Equal(t, domain.StageValidation, res.FailedStage)
	assert.Equal(t, 0, h.lender.calls)
}

func TestRequestExecution_Preconditions(t *testing.T) {
	t.Run("malformed request", func(t *testing.T) {
		h := newHarness(t)
		req := h.request()
		req.Path = []common.Address{tokA, tokB, tokB}
		_, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
		assert.True(t, errors.Is(err, domain.ErrMalformedRoute))
	})

	t.Run("unauthorized caller", func(t *testing.T) {
		h := newHarness(t, func(c *harnessConfig) { c.executors = []common.Address{r1} })
		_, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
		assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	})

	t.Run("gas price above request ceiling", func(t *testing.T) {
		h := newHarness(t)
		req := h.request()
		req.MaxGasPrice = big.NewInt(20_000_000_000)
		_, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
		assert.True(t, errors.Is(err, domain.ErrGasPriceTooHigh))
		assert.Equal(t, 0, h.lender.calls)
	})

	t.Run("mev spacing", func(t *testing.T) {
		h := newHarness(t, func(c *harnessConfig) { c.mevSpacing = 3 })
		req := h.request()
		req.MEVProtection = true

		_, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
		require.NoError(t, err)

		_, err = h.orch.RequestExecution(context.Background(), h.call(101), req)
		assert.True(t, errors.Is(err, domain.ErrMevProtectionActive))

		_, err = h.orch.RequestExecution(context.Background(), h.call(103), req)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), h.orch.Statistics().MEVProtectedTrades)
	})
}

func TestRequestExecution_LenderFee(t *testing.T) {
	t.Run("repays principal plus fee exactly", func(t *testing.T) {
		h := newHarness(t, func(c *harnessConfig) { c.feeBps = 100 })
		res, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.LoanFee.Int64())
		assert.Equal(t, int64(5), res.RealizedProfit.Int64())
		assert.Equal(t, int64(inventory+10), h.ledger.BalanceOf(tokA, vaultAddr).Int64())
	})

	t.Run("fee is never funded from existing balance", func(t *testing.T) {
		h := newHarness(t, func(c *harnessConfig) {
			c.feeBps = 100
			c.engineBalance = 1000
		})
		h.v2.execOut = big.NewInt(1005)
		req := h.request()
		req.MaxSlippageBps = 300
		before := h.balances()

		_, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
		assert.True(t, errors.Is(err, domain.ErrInsufficientRealizedProfit))
		assert.Equal(t, before, h.balances())
	})
}

func TestRequestExecution_ConservationWithShares(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.engineBalance = 500
		c.shares = []domain.ProfitShare{{Recipient: r1, Bps: 7000}, {Recipient: r2, Bps: 3000}}
	})
	startEngine := h.ledger.BalanceOf(tokA, engineAddr)

	res, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.NoError(t, err)

	distributed := h.ledger.BalanceOf(tokA, r1).Int64() + h.ledger.BalanceOf(tokA, r2).Int64()
	endEngine := h.ledger.BalanceOf(tokA, engineAddr)
	assert.Equal(t, startEngine.Int64()+res.RealizedProfit.Int64(), endEngine.Int64()+distributed)
	assert.Equal(t, int64(10), h.ledger.BalanceOf(tokA, r1).Int64())
	assert.Equal(t, int64(5), h.ledger.BalanceOf(tokA, r2).Int64())
}

func TestRequestExecution_ProfitFloor(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.profit = domain.ProfitParams{VolatilityMultiple: 1}
	})

	h.orch.SetVolatilityIndex(100)
	res, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.NoError(t, err)
	floor := domain.BpsOf(big.NewInt(1000), h.orch.DynamicMinProfitBps(10))
	assert.True(t, res.RealizedProfit.Cmp(floor) >= 0)

	h.orch.SetVolatilityIndex(200)
	_, err = h.orch.RequestExecution(context.Background(), h.call(200), h.request())
	assert.True(t, errors.Is(err, domain.ErrInsufficientProjectedProfit))
	assert.Equal(t, uint32(200), h.orch.Statistics().VolatilityIndex)
}

func TestRequestExecution_IdempotentFailure(t *testing.T) {
	h := newHarness(t)
	h.v2.quoteOut = big.NewInt(1000)
	before := h.balances()

	first, err1 := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	second, err2 := h.orch.RequestExecution(context.Background(), h.call(101), h.request())

	assert.True(t, errors.Is(err1, domain.ErrInsufficientProjectedProfit))
	assert.True(t, errors.Is(err2, domain.ErrInsufficientProjectedProfit))
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, 0, h.lender.calls)
	assert.Equal(t, before, h.balances())

	stats := h.orch.Statistics()
	assert.Equal(t, uint64(2), stats.FailedTrades)
	assert.Equal(t, int64(0), stats.TotalVolume.Int64())
	assert.Equal(t, int64(0), stats.TotalProfit.Int64())
}

func TestRequestExecution_SwapFailureBlacklistsRoute(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.threshold = 2 })
	h.v2.execOut = big.NewInt(995)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := h.orch.RequestExecution(ctx, h.call(uint64(100+i)), h.request())
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrSlippageExceeded))
		assert.Equal(t, domain.StageSwap, res.FailedStage)
		assert.Equal(t, 2, res.FailedStep)
	}

	_, err := h.orch.RequestExecution(ctx, h.call(102), h.request())
	assert.True(t, errors.Is(err, domain.ErrRouteBlacklisted))
	assert.Equal(t, 2, h.lender.calls)
	assert.Contains(t, h.eventKinds(), domain.EventRouteFailed)

	fp := h.request().Fingerprint()
	assert.True(t, errors.Is(h.orch.ResetRoute(ctx, caller, fp), domain.ErrUnauthorized))
	require.NoError(t, h.orch.ResetRoute(ctx, admin, fp))
	assert.Empty(t, h.orch.FailedRoutes())

	h.v2.execOut = nil
	_, err = h.orch.RequestExecution(ctx, h.call(103), h.request())
	require.NoError(t, err)
}

func TestRequestExecution_DivergenceRecordsRoute(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.divergenceBps = 20 })
	h.v2.execOut = big.NewInt(995)
	req := h.request()
	req.MaxSlippageBps = 300

	_, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
	require.Error(t, err)
	records := h.orch.FailedRoutes()
	require.Len(t, records, 1)
	assert.Equal(t, uint32(1), records[0].Failures)
}

func TestRequestExecution_VenueUnavailable(t *testing.T) {
	h := newHarness(t)
	before := h.balances()
	h.v2.onSwap = func(context.Context) error { return errors.New("pool paused") }

	res, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrVenueUnavailable))
	assert.Equal(t, domain.ClassExecution, domain.Classify(err))
	assert.Equal(t, 2, res.FailedStep)
	assert.Equal(t, before, h.balances())
	assert.Equal(t, 1, h.v1.swaps)
}

func TestRequestExecution_RejectsReentry(t *testing.T) {
	h := newHarness(t)
	before := h.balances()
	var inner error
	h.v1.onSwap = func(ctx context.Context) error {
		_, inner = h.orch.RequestExecution(ctx, h.call(100), h.request())
		return inner
	}

	_, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.Error(t, err)
	assert.ErrorIs(t, inner, domain.ErrReentrantCall)
	assert.True(t, errors.Is(err, domain.ErrReentrantCall))
	assert.Equal(t, before, h.balances())

	// The guard is disarmed after the failure.
	h.v1.onSwap = nil
	_, err = h.orch.RequestExecution(context.Background(), h.call(101), h.request())
	require.NoError(t, err)
}

func TestOnLoanReceived_RejectsStrayCallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tokens := []common.Address{tokA}
	amounts := []*big.Int{big.NewInt(1000)}
	fees := []*big.Int{big.NewInt(0)}

	err := h.orch.OnLoanReceived(ctx, caller, tokens, amounts, fees, nil)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	err = h.orch.OnLoanReceived(ctx, vaultAddr, tokens, amounts, fees, []byte("unknown"))
	assert.True(t, errors.Is(err, domain.ErrOrphanCallback))
}

func TestOnLoanReceived_RejectsMismatchedGrant(t *testing.T) {
	h := newHarness(t)
	h.orch.lender = &shortGrantLender{countingLender: h.lender}
	before := h.balances()

	res, err := h.orch.RequestExecution(context.Background(), h.call(100), h.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrphanCallback)
	assert.Equal(t, domain.StageCallback, res.FailedStage)
	assert.Equal(t, 0, h.v1.swaps)
	assert.Equal(t, before, h.balances())
}

// shortGrantLender calls back with a fee slice shorter than the tokens.
type shortGrantLender struct {
	*countingLender
}

func (s *shortGrantLender) RequestLoan(ctx context.Context, b domain.FlashBorrower, tokens []common.Address, amounts []*big.Int, data []byte) error {
	s.calls++
	return b.OnLoanReceived(ctx, vaultAddr, tokens, amounts, nil, data)
}

func TestRequestExecution_CallbackDeadline(t *testing.T) {
	h := newHarness(t)
	req := h.request()
	req.Deadline = h.clock.Now().Add(time.Second)

	// The lender takes longer than the deadline before calling back.
	h.orch.lender = &slowLender{countingLender: h.lender, clock: h.clock, delay: 2 * time.Second}
	res, err := h.orch.RequestExecution(context.Background(), h.call(100), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDeadlineExpired))
	assert.Equal(t, domain.StageCallback, res.FailedStage)
	assert.Equal(t, 0, h.v1.swaps)
}

type slowLender struct {
	*countingLender
	clock *testClock
	delay time.Duration
}

func (s *slowLender) RequestLoan(ctx context.Context, b domain.FlashBorrower, tokens []common.Address, amounts []*big.Int, data []byte) error {
	s.clock.Advance(s.delay)
	return s.countingLender.RequestLoan(ctx, b, tokens, amounts, data)
}

func TestAdminSetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.True(t, errors.Is(h.orch.SetProfitParams(ctx, caller, domain.ProfitParams{BaseBps: 5}), domain.ErrUnauthorized))
	require.NoError(t, h.orch.SetProfitParams(ctx, admin, domain.ProfitParams{BaseBps: 5, MaxBps: 500}))
	assert.Equal(t, uint32(500), h.orch.ProfitParams().MaxBps)

	require.NoError(t, h.orch.ForceBreaker(ctx, admin, domain.BreakerEmergency))
	_, err := h.orch.RequestExecution(ctx, h.call(100), h.request())
	assert.True(t, errors.Is(err, domain.ErrCircuitBreakerTripped))
	require.NoError(t, h.orch.ClearBreakerOverride(ctx, admin))
	_, err = h.orch.RequestExecution(ctx, h.call(101), h.request())
	require.NoError(t, err)

	err = h.orch.SetProfitShares(ctx, admin, []domain.ProfitShare{{Recipient: r1, Bps: 9000}, {Recipient: r2, Bps: 2000}})
	assert.True(t, errors.Is(err, domain.ErrInvalidShares))

	require.NoError(t, h.orch.DeregisterVenue(ctx, admin, v2Addr))
	_, err = h.orch.RequestExecution(ctx, h.call(102), h.request())
	assert.True(t, errors.Is(err, domain.ErrMalformedRoute))
	require.NoError(t, h.orch.RegisterVenue(ctx, admin, h.v2))
	assert.True(t, errors.Is(h.orch.DeregisterVenue(ctx, admin, common.HexToAddress("0x99")), domain.ErrNotFound))

	require.NoError(t, h.orch.SetBreakerLimits(ctx, admin, domain.BreakerLimits{
		MaxVolumePerPeriod: big.NewInt(500), PeriodDuration: time.Hour,
	}))
	_, err = h.orch.RequestExecution(ctx, h.call(103), h.request())
	assert.True(t, errors.Is(err, domain.ErrCircuitBreakerTripped))
}
