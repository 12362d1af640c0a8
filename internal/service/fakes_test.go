package service

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var (
	alice = common.HexToAddress("0xa11ce")
	admin = common.HexToAddress("0xad")
	route = common.HexToHash("0xf00d")
)

// fakeEngine records calls and returns scripted results.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []domain.Call
	requests []domain.TradeRequest
	result   domain.TradeResult
	err      error
	onRun    func(f *fakeEngine)

	stats    domain.Statistics
	breaker  domain.CircuitBreakerState
	routes   []domain.FailedRouteRecord
	recent   []domain.TradeResult
	restores int
	nextID   uint64

	admins     map[common.Address]bool
	volatility uint32
	actions    []string
	venues     []domain.SwapVenue
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		stats:   domain.Statistics{TotalVolume: new(big.Int), TotalProfit: new(big.Int)},
		breaker: domain.CircuitBreakerState{State: domain.BreakerNormal, MaxVolumePerPeriod: big.NewInt(1), CurrentVolume: new(big.Int)},
		admins:  map[common.Address]bool{admin: true},
	}
}

func (f *fakeEngine) RequestExecution(_ context.Context, call domain.Call, req domain.TradeRequest) (domain.TradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.requests = append(f.requests, req)
	if f.onRun != nil {
		f.onRun(f)
	}
	if f.result.ID != 0 {
		f.stats.TotalAttempts++
		f.recent = append([]domain.TradeResult{f.result}, f.recent...)
	}
	return f.result, f.err
}

func (f *fakeEngine) Statistics() domain.Statistics            { return f.stats.Clone() }
func (f *fakeEngine) BreakerState() domain.CircuitBreakerState { return f.breaker.Clone() }
func (f *fakeEngine) FailedRoutes() []domain.FailedRouteRecord { return f.routes }
func (f *fakeEngine) DynamicMinProfitBps(b uint32) uint32      { return b + f.volatility }

func (f *fakeEngine) RecentResults(n int) []domain.TradeResult {
	if n <= 0 || n > len(f.recent) {
		n = len(f.recent)
	}
	return f.recent[:n]
}

func (f *fakeEngine) Result(id uint64) (domain.TradeResult, bool) {
	for _, r := range f.recent {
		if r.ID == id {
			return r, true
		}
	}
	return domain.TradeResult{}, false
}

func (f *fakeEngine) Restore(stats *domain.Statistics, breaker *domain.CircuitBreakerState, routes []domain.FailedRouteRecord, nextID uint64) {
	f.restores++
	if stats != nil {
		f.stats = stats.Clone()
	}
	if breaker != nil {
		f.breaker = breaker.Clone()
	}
	if routes != nil {
		f.routes = routes
	}
	if nextID > f.nextID {
		f.nextID = nextID
	}
}

func (f *fakeEngine) IsAdmin(a common.Address) bool { return f.admins[a] }

func (f *fakeEngine) check(a common.Address, action string) error {
	if !f.admins[a] {
		return domain.ErrUnauthorized
	}
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeEngine) SetProfitParams(_ context.Context, a common.Address, _ domain.ProfitParams) error {
	return f.check(a, "profit")
}

func (f *fakeEngine) SetBreakerLimits(_ context.Context, a common.Address, l domain.BreakerLimits) error {
	if err := f.check(a, "limits"); err != nil {
		return err
	}
	f.breaker.MaxVolumePerPeriod = l.MaxVolumePerPeriod
	return nil
}

func (f *fakeEngine) ForceBreaker(_ context.Context, a common.Address, st domain.BreakerState) error {
	if err := f.check(a, "force"); err != nil {
		return err
	}
	f.breaker.Override = st
	f.breaker.State = st
	return nil
}

func (f *fakeEngine) ClearBreakerOverride(_ context.Context, a common.Address) error {
	if err := f.check(a, "clear"); err != nil {
		return err
	}
	f.breaker.Override = ""
	return nil
}

func (f *fakeEngine) ResetRoute(_ context.Context, a common.Address, _ common.Hash) error {
	return f.check(a, "reset")
}

func (f *fakeEngine) RegisterVenue(_ context.Context, a common.Address, v domain.SwapVenue) error {
	if err := f.check(a, "register"); err != nil {
		return err
	}
	f.venues = append(f.venues, v)
	return nil
}

func (f *fakeEngine) DeregisterVenue(_ context.Context, a common.Address, _ common.Address) error {
	return f.check(a, "deregister")
}

func (f *fakeEngine) SetProfitShares(_ context.Context, a common.Address, _ []domain.ProfitShare) error {
	return f.check(a, "shares")
}

func (f *fakeEngine) SetVolatilityIndex(i uint32) {
	f.volatility = i
	f.stats.VolatilityIndex = i
}

func (f *fakeEngine) ProfitParams() domain.ProfitParams  { return domain.ProfitParams{BaseBps: 10} }
func (f *fakeEngine) ProfitShares() []domain.ProfitShare { return nil }

type fakeChain struct {
	block uint64
	gas   *big.Int
	err   error
}

func (c fakeChain) BlockNumber(context.Context) (uint64, error)       { return c.block, c.err }
func (c fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) { return c.gas, c.err }

type memStores struct {
	mu      sync.Mutex
	results []domain.TradeResult
	stats   *domain.Statistics
	breaker *domain.CircuitBreakerState
	routes  map[common.Hash]domain.FailedRouteRecord
	nextID  uint64
	saveErr error
}

func newMemStores() *memStores {
	return &memStores{routes: map[common.Hash]domain.FailedRouteRecord{}}
}

func (m *memStores) Append(_ context.Context, r domain.TradeResult) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	m.results = append(m.results, r)
	return r.ID, nil
}

func (m *memStores) GetByID(_ context.Context, id uint64) (domain.TradeResult, error) {
	for _, r := range m.results {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.TradeResult{}, domain.ErrNotFound
}

func (m *memStores) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeResult, error) {
	out := append([]domain.TradeResult(nil), m.results...)
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memStores) ListBefore(context.Context, time.Time, int) ([]domain.TradeResult, error) {
	return nil, nil
}

func (m *memStores) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memStores) NextID(context.Context) (uint64, error) { return m.nextID, nil }

func (m *memStores) Load(context.Context) (domain.Statistics, error) {
	if m.stats == nil {
		return domain.Statistics{}, domain.ErrNotFound
	}
	return *m.stats, nil
}

func (m *memStores) Save(_ context.Context, s domain.Statistics) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.stats = &s
	return nil
}

func (m *memStores) LoadBreaker(context.Context) (domain.CircuitBreakerState, error) {
	if m.breaker == nil {
		return domain.CircuitBreakerState{}, domain.ErrNotFound
	}
	return *m.breaker, nil
}

func (m *memStores) SaveBreaker(_ context.Context, st domain.CircuitBreakerState) error {
	m.breaker = &st
	return nil
}

func (m *memStores) LoadRoutes(context.Context) ([]domain.FailedRouteRecord, error) {
	out := make([]domain.FailedRouteRecord, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStores) SaveRoute(_ context.Context, rec domain.FailedRouteRecord) error {
	m.routes[rec.Fingerprint] = rec
	return nil
}

func (m *memStores) DeleteRoute(_ context.Context, fp common.Hash) error {
	delete(m.routes, fp)
	return nil
}

type memAudit struct {
	events []domain.AuditEvent
}

func (m *memAudit) Record(_ context.Context, ev domain.AuditEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memAudit) actions() []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Action)
	}
	return out
}

// List filters by action and actor only.
func (m *memAudit) List(_ context.Context, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if f.Action != "" && ev.Action != f.Action {
			continue
		}
		if f.Actor != nil && ev.Actor != *f.Actor {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

type fakeLocks struct {
	held     bool
	acquired int
	released int
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.acquired++
	return func() { l.released++ }, nil
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}
