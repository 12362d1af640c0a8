// Package venue implements the supported swap venues on top of the ledger.
// Every venue is one of a closed set of kinds and the kind-specific pricing
// is selected in a single switch.
package venue

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Ledger is the state a venue trades against. Mint is used only to seed
// pool reserves.
type Ledger interface {
	domain.Ledger
	Mint(token, to common.Address, amount *big.Int) error
}

// Pool is one liquidity pool held by a venue.
type Pool struct {
	Address common.Address `json:"address"`
	Token0  common.Address `json:"token0"`
	Token1  common.Address `json:"token1"`
	Fee     uint32         `json:"fee"`
}

type pairKey struct {
	token0, token1 common.Address
	fee            uint32
}

func sortedPair(a, b common.Address) (common.Address, common.Address) {
	if a.Cmp(b) < 0 {
		return a, b
	}
	return b, a
}

// Venue is a swap router. Constant-product and stable-swap venues hold
// pools; an aggregator routes each swap to the best quoting member venue.
type Venue struct {
	addr   common.Address
	kind   domain.VenueKind
	ledger Ledger
	clock  domain.Clock
	amp    uint64

	mu      sync.RWMutex
	pools   map[pairKey]Pool
	members []*Venue

	paused atomic.Bool
}

// Compile-time interface check.
var _ domain.SwapVenue = (*Venue)(nil)

// NewConstantProduct creates an x*y=k venue.
func NewConstantProduct(addr common.Address, l Ledger, clock domain.Clock) *Venue {
	return newVenue(addr, domain.VenueConstantProduct, l, clock)
}

// NewStableSwap creates a StableSwap venue with amplification coefficient amp.
func NewStableSwap(addr common.Address, amp uint64, l Ledger, clock domain.Clock) (*Venue, error) {
	if amp == 0 {
		return nil, fmt.Errorf("venue: stable swap %s: amplification must be positive", addr.Hex())
	}
	v := newVenue(addr, domain.VenueStableSwap, l, clock)
	v.amp = amp
	return v, nil
}

// NewAggregator creates a venue routing through members.
func NewAggregator(addr common.Address, l Ledger, clock domain.Clock, members ...*Venue) *Venue {
	v := newVenue(addr, domain.VenueAggregator, l, clock)
	v.members = members
	return v
}

func newVenue(addr common.Address, kind domain.VenueKind, l Ledger, clock domain.Clock) *Venue {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Venue{
		addr:   addr,
		kind:   kind,
		ledger: l,
		clock:  clock,
		pools:  make(map[pairKey]Pool),
	}
}

func (v *Venue) Address() common.Address { return v.addr }
func (v *Venue) Kind() domain.VenueKind  { return v.kind }
func (v *Venue) Amplification() uint64   { return v.amp }

// SetPaused toggles whether the venue accepts swaps and quotes.
func (v *Venue) SetPaused(p bool) { v.paused.Store(p) }

// Paused reports the pause flag.
func (v *Venue) Paused() bool { return v.paused.Load() }

// AddMember adds a venue to an aggregator's routing set.
func (v *Venue) AddMember(m *Venue) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.members = append(v.members, m)
}

// AddPool creates a pool for (tokenA, tokenB, fee) and seeds its reserves.
func (v *Venue) AddPool(tokenA, tokenB common.Address, fee uint32, reserveA, reserveB *big.Int) (Pool, error) {
	if v.kind == domain.VenueAggregator {
		return Pool{}, fmt.Errorf("venue: %s: aggregators hold no pools", v.addr.Hex())
	}
	if tokenA == tokenB {
		return Pool{}, fmt.Errorf("venue: %s: identical tokens", v.addr.Hex())
	}
	if fee >= FeeDenominator {
		return Pool{}, fmt.Errorf("venue: %s: fee %d out of range", v.addr.Hex(), fee)
	}
	t0, t1 := sortedPair(tokenA, tokenB)
	key := pairKey{t0, t1, fee}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.pools[key]; ok {
		return Pool{}, fmt.Errorf("venue: %s: pool %w", v.addr.Hex(), domain.ErrAlreadyExists)
	}
	pool := Pool{Address: poolAddress(v.addr, t0, t1, fee), Token0: t0, Token1: t1, Fee: fee}
	if err := v.ledger.Mint(tokenA, pool.Address, reserveA); err != nil {
		return Pool{}, fmt.Errorf("venue: seed reserves: %w", err)
	}
	if err := v.ledger.Mint(tokenB, pool.Address, reserveB); err != nil {
		return Pool{}, fmt.Errorf("venue: seed reserves: %w", err)
	}
	v.pools[key] = pool
	return pool, nil
}

// Pools lists the venue's pools.
func (v *Venue) Pools() []Pool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Pool, 0, len(v.pools))
	for _, p := range v.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// Reserves returns the pool's current reserves of tokenIn and tokenOut.
func (v *Venue) Reserves(pool Pool, tokenIn, tokenOut common.Address) (*big.Int, *big.Int) {
	return v.ledger.BalanceOf(tokenIn, pool.Address), v.ledger.BalanceOf(tokenOut, pool.Address)
}

func (v *Venue) pool(tokenIn, tokenOut common.Address, fee uint32) (Pool, bool) {
	t0, t1 := sortedPair(tokenIn, tokenOut)
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.pools[pairKey{t0, t1, fee}]
	return p, ok
}

// Quote estimates the output of an exact-input swap without moving funds.
func (v *Venue) Quote(ctx context.Context, p domain.QuoteParams) (domain.Quote, error) {
	if v.Paused() {
		return domain.Quote{}, fmt.Errorf("venue: %s paused: %w", v.addr.Hex(), domain.ErrVenueUnavailable)
	}
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return domain.Quote{}, fmt.Errorf("venue: %s: non-positive amount: %w", v.addr.Hex(), domain.ErrVenueUnavailable)
	}

	switch v.kind {
	case domain.VenueAggregator:
		_, q, err := v.bestMember(ctx, p)
		return q, err
	default:
		pool, ok := v.pool(p.TokenIn, p.TokenOut, p.Fee)
		if !ok {
			return domain.Quote{}, fmt.Errorf("venue: %s: no pool %s/%s fee %d: %w",
				v.addr.Hex(), p.TokenIn.Hex(), p.TokenOut.Hex(), p.Fee, domain.ErrVenueUnavailable)
		}
		out, err := v.poolOut(pool, p.TokenIn, p.TokenOut, p.AmountIn)
		if err != nil {
			return domain.Quote{}, err
		}
		return domain.Quote{AmountOut: out, ProtocolFee: feeOn(p.AmountIn, pool.Fee)}, nil
	}
}

// ExactInputSingle pulls amountIn from caller using its allowance, swaps, and
// pays the output to the recipient.
func (v *Venue) ExactInputSingle(ctx context.Context, caller common.Address, p domain.ExactInputParams) (*big.Int, error) {
	if v.Paused() {
		return nil, fmt.Errorf("venue: %s paused: %w", v.addr.Hex(), domain.ErrVenueUnavailable)
	}
	if !p.Deadline.IsZero() && v.clock.Now().After(p.Deadline) {
		return nil, fmt.Errorf("venue: %s: %w", v.addr.Hex(), domain.ErrDeadlineExpired)
	}
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("venue: %s: non-positive amount: %w", v.addr.Hex(), domain.ErrVenueUnavailable)
	}
	if v.kind == domain.VenueAggregator {
		return v.routeThroughMember(ctx, caller, p)
	}

	pool, ok := v.pool(p.TokenIn, p.TokenOut, p.Fee)
	if !ok {
		return nil, fmt.Errorf("venue: %s: no pool %s/%s fee %d: %w",
			v.addr.Hex(), p.TokenIn.Hex(), p.TokenOut.Hex(), p.Fee, domain.ErrVenueUnavailable)
	}
	out, err := v.poolOut(pool, p.TokenIn, p.TokenOut, p.AmountIn)
	if err != nil {
		return nil, err
	}
	if p.AmountOutMinimum != nil && out.Cmp(p.AmountOutMinimum) < 0 {
		return nil, fmt.Errorf("venue: %s: out %s below minimum %s: %w",
			v.addr.Hex(), out, p.AmountOutMinimum, domain.ErrSlippageExceeded)
	}
	if err := v.ledger.TransferFrom(p.TokenIn, v.addr, caller, pool.Address, p.AmountIn); err != nil {
		return nil, fmt.Errorf("venue: %s: pull input: %w", v.addr.Hex(), err)
	}
	if err := v.ledger.Transfer(p.TokenOut, pool.Address, p.Recipient, out); err != nil {
		return nil, fmt.Errorf("venue: %s: pay output: %w", v.addr.Hex(), err)
	}
	return out, nil
}

func (v *Venue) poolOut(pool Pool, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	rIn, rOut := v.Reserves(pool, tokenIn, tokenOut)

	var (
		out *big.Int
		err error
	)
	switch v.kind {
	case domain.VenueConstantProduct:
		out, err = constantProductOut(amountIn, rIn, rOut, pool.Fee)
	case domain.VenueStableSwap:
		out, err = stableSwapOut(amountIn, rIn, rOut, v.amp, pool.Fee)
	default:
		err = fmt.Errorf("unsupported kind %q", v.kind)
	}
	if err != nil {
		return nil, fmt.Errorf("venue: %s: %v: %w", v.addr.Hex(), err, domain.ErrVenueUnavailable)
	}
	if out.Sign() <= 0 || out.Cmp(rOut) >= 0 {
		return nil, fmt.Errorf("venue: %s: insufficient liquidity: %w", v.addr.Hex(), domain.ErrVenueUnavailable)
	}
	return out, nil
}

func (v *Venue) bestMember(ctx context.Context, p domain.QuoteParams) (*Venue, domain.Quote, error) {
	v.mu.RLock()
	members := append([]*Venue(nil), v.members...)
	v.mu.RUnlock()

	var (
		best  *Venue
		bestQ domain.Quote
	)
	for _, m := range members {
		q, err := m.Quote(ctx, domain.QuoteParams{
			Venue:    m.addr,
			TokenIn:  p.TokenIn,
			TokenOut: p.TokenOut,
			AmountIn: p.AmountIn,
			Fee:      p.Fee,
		})
		if err != nil {
			continue
		}
		if best == nil || q.AmountOut.Cmp(bestQ.AmountOut) > 0 {
			best, bestQ = m, q
		}
	}
	if best == nil {
		return nil, domain.Quote{}, fmt.Errorf("venue: aggregator %s: no member can route %s/%s: %w",
			v.addr.Hex(), p.TokenIn.Hex(), p.TokenOut.Hex(), domain.ErrVenueUnavailable)
	}
	return best, bestQ, nil
}

func (v *Venue) routeThroughMember(ctx context.Context, caller common.Address, p domain.ExactInputParams) (*big.Int, error) {
	m, _, err := v.bestMember(ctx, domain.QuoteParams{
		TokenIn: p.TokenIn, TokenOut: p.TokenOut, AmountIn: p.AmountIn, Fee: p.Fee,
	})
	if err != nil {
		return nil, err
	}
	if err := v.ledger.TransferFrom(p.TokenIn, v.addr, caller, v.addr, p.AmountIn); err != nil {
		return nil, fmt.Errorf("venue: aggregator %s: pull input: %w", v.addr.Hex(), err)
	}
	if err := v.ledger.Approve(p.TokenIn, v.addr, m.addr, p.AmountIn); err != nil {
		return nil, fmt.Errorf("venue: aggregator %s: approve member: %w", v.addr.Hex(), err)
	}
	out, err := m.ExactInputSingle(ctx, v.addr, p)
	if err != nil {
		return nil, err
	}
	if err := v.ledger.Approve(p.TokenIn, v.addr, m.addr, new(big.Int)); err != nil {
		return nil, fmt.Errorf("venue: aggregator %s: reset approval: %w", v.addr.Hex(), err)
	}
	return out, nil
}

func feeOn(amount *big.Int, fee uint32) *big.Int {
	f := new(big.Int).Mul(amount, big.NewInt(int64(fee)))
	return f.Quo(f, big.NewInt(FeeDenominator))
}

// poolAddress derives a deterministic ledger account for a pool.
func poolAddress(venue, token0, token1 common.Address, fee uint32) common.Address {
	buf := make([]byte, 0, 3*common.AddressLength+4)
	buf = append(buf, venue.Bytes()...)
	buf = append(buf, token0.Bytes()...)
	buf = append(buf, token1.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, fee)
	return common.BytesToAddress(crypto.Keccak256(buf)[12:])
}
