package domain

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxBps is 100% expressed in basis points.
const MaxBps = 10000

// TradeRequest is the caller-supplied intent for one arbitrage.
type TradeRequest struct {
	Venues         []common.Address `json:"venues"`
	Path           []common.Address `json:"path"`
	Fees           []uint32         `json:"fees"`
	LoanAmount     *big.Int         `json:"loan_amount"`
	MinProfitBps   uint32           `json:"min_profit_bps"`
	MaxSlippageBps uint32           `json:"max_slippage_bps"`
	Deadline       time.Time        `json:"deadline"`
	MEVProtection  bool             `json:"mev_protection"`
	MaxGasPrice    *big.Int         `json:"max_gas_price,omitempty"`
}

// Hops returns the number of legs in the route.
func (r TradeRequest) Hops() int { return len(r.Venues) }

// BaseToken is the token borrowed and returned to.
func (r TradeRequest) BaseToken() common.Address {
	if len(r.Path) == 0 {
		return common.Address{}
	}
	return r.Path[0]
}

// WellFormed checks the structural invariants of a request.
func (r TradeRequest) WellFormed() error {
	switch {
	case len(r.Path) < 2:
		return fmt.Errorf("%w: path has %d tokens", ErrMalformedRoute, len(r.Path))
	case len(r.Venues) != len(r.Path)-1:
		return fmt.Errorf("%w: %d venues for %d tokens", ErrMalformedRoute, len(r.Venues), len(r.Path))
	case len(r.Fees) != len(r.Venues):
		return fmt.Errorf("%w: %d fee tiers for %d venues", ErrMalformedRoute, len(r.Fees), len(r.Venues))
	case r.LoanAmount == nil || r.LoanAmount.Sign() <= 0:
		return fmt.Errorf("%w: loan amount must be positive", ErrMalformedRoute)
	case r.Path[0] != r.Path[len(r.Path)-1]:
		return fmt.Errorf("%w: route does not return to %s", ErrMalformedRoute, r.Path[0].Hex())
	case r.MaxSlippageBps > MaxBps:
		return fmt.Errorf("%w: slippage %d bps", ErrMalformedRoute, r.MaxSlippageBps)
	}
	return nil
}

// Legs expands the request into per-hop legs.
func (r TradeRequest) Legs() []Leg {
	legs := make([]Leg, 0, len(r.Venues))
	for i, v := range r.Venues {
		legs = append(legs, Leg{
			Venue:    v,
			TokenIn:  r.Path[i],
			TokenOut: r.Path[i+1],
			Fee:      r.Fees[i],
		})
	}
	return legs
}

// Fingerprint hashes the packed venues, tokens and fee tiers of the route.
func (r TradeRequest) Fingerprint() common.Hash {
	return RouteFingerprint(r.Venues, r.Path, r.Fees)
}

// RouteFingerprint is keccak256(venues ++ path ++ fees) with fees packed as
// big-endian uint32.
func RouteFingerprint(venues, path []common.Address, fees []uint32) common.Hash {
	buf := make([]byte, 0, (len(venues)+len(path))*common.AddressLength+len(fees)*4)
	for _, v := range venues {
		buf = append(buf, v.Bytes()...)
	}
	for _, t := range path {
		buf = append(buf, t.Bytes()...)
	}
	for _, f := range fees {
		buf = binary.BigEndian.AppendUint32(buf, f)
	}
	return crypto.Keccak256Hash(buf)
}

// Leg is one single-venue swap of a route.
type Leg struct {
	Venue    common.Address
	TokenIn  common.Address
	TokenOut common.Address
	Fee      uint32
}

// TradeResult is the append-only record of one attempt.
type TradeResult struct {
	ID             uint64           `json:"id"`
	ExecutionID    string           `json:"execution_id"`
	Success        bool             `json:"success"`
	Caller         common.Address   `json:"caller"`
	TokenIn        common.Address   `json:"token_in"`
	TokenOut       common.Address   `json:"token_out"`
	Venues         []common.Address `json:"venues"`
	Route          common.Hash      `json:"route"`
	LoanAmount     *big.Int         `json:"loan_amount"`
	LoanFee        *big.Int         `json:"loan_fee"`
	ExpectedProfit *big.Int         `json:"expected_profit"`
	RealizedProfit *big.Int         `json:"realized_profit"`
	GasUsed        uint64           `json:"gas_used"`
	GasPrice       *big.Int         `json:"gas_price"`
	BlockNumber    uint64           `json:"block_number"`
	MEVProtected   bool             `json:"mev_protected"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	FailureClass   ErrorClass       `json:"failure_class,omitempty"`
	FailedStage    Stage            `json:"failed_stage,omitempty"`
	FailedStep     int              `json:"failed_step"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Call describes the environment of one RequestExecution invocation.
type Call struct {
	Caller      common.Address
	GasPrice    *big.Int
	BlockNumber uint64
}
