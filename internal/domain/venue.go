package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VenueKind is the closed set of supported venue implementations.
type VenueKind string

const (
	VenueConstantProduct VenueKind = "constant_product"
	VenueStableSwap      VenueKind = "stable_swap"
	VenueAggregator      VenueKind = "aggregator"
)

// QuoteParams describes a hypothetical exact-input swap.
type QuoteParams struct {
	Venue    common.Address
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
	Fee      uint32
}

// Quote is a read-only swap estimate.
type Quote struct {
	AmountOut   *big.Int
	ProtocolFee *big.Int
}

// ExactInputParams mirrors a router's exactInputSingle arguments.
type ExactInputParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Fee              uint32
	Recipient        common.Address
	Deadline         time.Time
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// Ledger is the token world state the engine trades against.
type Ledger interface {
	BalanceOf(token, owner common.Address) *big.Int
	Allowance(token, owner, spender common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error
	Approve(token, owner, spender common.Address, amount *big.Int) error
	Snapshot() int
	RevertToSnapshot(id int)
}

// SwapVenue is a router that executes exact-input swaps.
type SwapVenue interface {
	Address() common.Address
	Kind() VenueKind
	Quote(ctx context.Context, p QuoteParams) (Quote, error)
	ExactInputSingle(ctx context.Context, caller common.Address, p ExactInputParams) (*big.Int, error)
}

// VenueResolver looks up registered venues.
type VenueResolver interface {
	Venue(addr common.Address) (SwapVenue, bool)
}

// QuoteOracle returns read-only quotes.
type QuoteOracle interface {
	Quote(ctx context.Context, p QuoteParams) (Quote, error)
}

// FlashBorrower receives the lender callback.
type FlashBorrower interface {
	Address() common.Address
	OnLoanReceived(ctx context.Context, lender common.Address, tokens []common.Address, amounts, fees []*big.Int, data []byte) error
}

// Lender advances funds for the duration of one callback.
type Lender interface {
	Address() common.Address
	FlashFee(token common.Address, amount *big.Int) *big.Int
	RequestLoan(ctx context.Context, borrower FlashBorrower, tokens []common.Address, amounts []*big.Int, data []byte) error
}

// Clock abstracts wall time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
