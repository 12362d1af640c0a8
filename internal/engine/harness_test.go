package engine

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/ledger"
	"github.com/alanyoungcy/flasharb/internal/lender"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

var (
	tokA       = common.HexToAddress("0xaa00")
	tokB       = common.HexToAddress("0xbb00")
	engineAddr = common.HexToAddress("0xe100")
	vaultAddr  = common.HexToAddress("0x1e00")
	v1Addr     = common.HexToAddress("0xf100")
	v2Addr     = common.HexToAddress("0xf200")
	caller     = common.HexToAddress("0xca00")
	admin      = common.HexToAddress("0xad00")
	r1         = common.HexToAddress("0x7100")
	r2         = common.HexToAddress("0x7200")
)

const inventory = 1_000_000

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeVenue quotes quoteOut and pays execOut, so tests can open a gap
// between the quoted and the realized output.
type fakeVenue struct {
	addr     common.Address
	ledger   *ledger.Ledger
	quoteOut *big.Int
	execOut  *big.Int
	err      error
	onSwap   func(ctx context.Context) error
	swaps    int
}

func (f *fakeVenue) Address() common.Address { return f.addr }
func (f *fakeVenue) Kind() domain.VenueKind  { return domain.VenueConstantProduct }

func (f *fakeVenue) Quote(_ context.Context, _ domain.QuoteParams) (domain.Quote, error) {
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	return domain.Quote{AmountOut: new(big.Int).Set(f.quoteOut)}, nil
}

func (f *fakeVenue) ExactInputSingle(ctx context.Context, from common.Address, p domain.ExactInputParams) (*big.Int, error) {
	f.swaps++
	if f.onSwap != nil {
		if err := f.onSwap(ctx); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := f.execOut
	if out == nil {
		out = f.quoteOut
	}
	if p.AmountOutMinimum != nil && out.Cmp(p.AmountOutMinimum) < 0 {
		return nil, domain.ErrSlippageExceeded
	}
	if err := f.ledger.TransferFrom(p.TokenIn, f.addr, from, f.addr, p.AmountIn); err != nil {
		return nil, err
	}
	if err := f.ledger.Transfer(p.TokenOut, f.addr, p.Recipient, out); err != nil {
		return nil, err
	}
	return new(big.Int).Set(out), nil
}

type countingLender struct {
	domain.Lender
	calls int
}

func (c *countingLender) RequestLoan(ctx context.Context, b domain.FlashBorrower, tokens []common.Address, amounts []*big.Int, data []byte) error {
	c.calls++
	return c.Lender.RequestLoan(ctx, b, tokens, amounts, data)
}

type countingOracle struct {
	domain.QuoteOracle
	calls int
}

func (c *countingOracle) Quote(ctx context.Context, p domain.QuoteParams) (domain.Quote, error) {
	c.calls++
	return c.QuoteOracle.Quote(ctx, p)
}

type harnessConfig struct {
	feeBps        uint32
	maxHops       int
	threshold     uint32
	shares        []domain.ProfitShare
	limits        domain.BreakerLimits
	profit        domain.ProfitParams
	engineBalance int64
	mevSpacing    uint64
	divergenceBps uint32
	executors     []common.Address
}

type harness struct {
	t        *testing.T
	clock    *testClock
	ledger   *ledger.Ledger
	registry *venue.Registry
	v1, v2   *fakeVenue
	lender   *countingLender
	oracle   *countingOracle
	breaker  *Breaker
	routes   *RouteValidator
	orch     *Orchestrator

	mu     sync.Mutex
	events []domain.Event
}

func newHarness(t *testing.T, mutate ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{
		limits: domain.BreakerLimits{MaxVolumePerPeriod: big.NewInt(1_000_000), PeriodDuration: time.Hour},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{t: t, clock: &testClock{t: time.Unix(1_700_000_000, 0)}}
	h.ledger = ledger.New()
	require.NoError(t, h.ledger.Mint(tokA, vaultAddr, big.NewInt(inventory)))
	require.NoError(t, h.ledger.Mint(tokB, v1Addr, big.NewInt(inventory)))
	require.NoError(t, h.ledger.Mint(tokA, v2Addr, big.NewInt(inventory)))
	if cfg.engineBalance > 0 {
		require.NoError(t, h.ledger.Mint(tokA, engineAddr, big.NewInt(cfg.engineBalance)))
	}
	h.ledger.Commit()

	h.v1 = &fakeVenue{addr: v1Addr, ledger: h.ledger, quoteOut: big.NewInt(1020)}
	h.v2 = &fakeVenue{addr: v2Addr, ledger: h.ledger, quoteOut: big.NewInt(1015)}
	h.registry = venue.NewRegistry()
	h.registry.Register(h.v1)
	h.registry.Register(h.v2)

	h.lender = &countingLender{Lender: lender.NewVault(vaultAddr, h.ledger, cfg.feeBps, discardLogger())}
	h.oracle = &countingOracle{QuoteOracle: h.registry}

	var err error
	h.breaker, err = NewBreaker(cfg.limits, h.clock.Now())
	require.NoError(t, err)
	guard, err := NewGuard(cfg.profit)
	require.NoError(t, err)
	h.routes = NewRouteValidator(cfg.maxHops, cfg.threshold, h.registry)
	dist, err := NewDistributor(h.ledger, cfg.shares)
	require.NoError(t, err)

	h.orch, err = New(Config{
		Self:            engineAddr,
		MEVBlockSpacing: cfg.mevSpacing,
		DivergenceBps:   cfg.divergenceBps,
	}, Deps{
		Ledger:      h.ledger,
		Lender:      h.lender,
		Oracle:      h.oracle,
		Venues:      h.registry,
		Breaker:     h.breaker,
		Guard:       guard,
		Routes:      h.routes,
		Distributor: dist,
		Auth:        NewAuthorizer(cfg.executors, []common.Address{admin}),
		Events: domain.EventSinkFunc(func(_ context.Context, ev domain.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, ev)
		}),
		Clock: h.clock,
	}, discardLogger())
	require.NoError(t, err)
	return h
}

// request is the two-leg round trip A -> B -> A through v1 and v2.
func (h *harness) request() domain.TradeRequest {
	return domain.TradeRequest{
		Venues:         []common.Address{v1Addr, v2Addr},
		Path:           []common.Address{tokA, tokB, tokA},
		Fees:           []uint32{3000, 3000},
		LoanAmount:     big.NewInt(1000),
		MinProfitBps:   10,
		MaxSlippageBps: 50,
		Deadline:       h.clock.Now().Add(time.Minute),
	}
}

func (h *harness) call(block uint64) domain.Call {
	return domain.Call{Caller: caller, GasPrice: big.NewInt(30_000_000_000), BlockNumber: block}
}

// balances captures every account the tests touch.
func (h *harness) balances() map[string]int64 {
	out := make(map[string]int64)
	for _, tok := range []common.Address{tokA, tokB} {
		for _, acct := range []common.Address{engineAddr, vaultAddr, v1Addr, v2Addr, caller, r1, r2} {
			out[tok.Hex()+"/"+acct.Hex()] = h.ledger.BalanceOf(tok, acct).Int64()
		}
	}
	return out
}

func (h *harness) eventKinds() []domain.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]domain.EventKind, 0, len(h.events))
	for _, ev := range h.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
