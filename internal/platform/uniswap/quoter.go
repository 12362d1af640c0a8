// Package uniswap quotes swaps against a deployed Uniswap V3 QuoterV2
// contract. The engine uses it as a reference price oracle.
package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

const quoterV2ABI = `[{
	"name": "quoteExactInputSingle",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [{
		"name": "params",
		"type": "tuple",
		"internalType": "struct IQuoterV2.QuoteExactInputSingleParams",
		"components": [
			{"name": "tokenIn", "type": "address"},
			{"name": "tokenOut", "type": "address"},
			{"name": "amountIn", "type": "uint256"},
			{"name": "fee", "type": "uint24"},
			{"name": "sqrtPriceLimitX96", "type": "uint160"}
		]
	}],
	"outputs": [
		{"name": "amountOut", "type": "uint256"},
		{"name": "sqrtPriceX96After", "type": "uint160"},
		{"name": "initializedTicksCrossed", "type": "uint32"},
		{"name": "gasEstimate", "type": "uint256"}
	]
}]`

const methodQuoteExactInputSingle = "quoteExactInputSingle"

// feeDenominator is the Uniswap fee unit (hundredths of a basis point).
var feeDenominator = big.NewInt(1_000_000)

// ContractCaller executes read-only contract calls; *evm.Client and
// *ethclient.Client satisfy it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

// exactInputSingleParams mirrors IQuoterV2.QuoteExactInputSingleParams.
type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

// Quoter implements domain.QuoteOracle on top of QuoterV2.
type Quoter struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
}

// Compile-time interface check.
var _ domain.QuoteOracle = (*Quoter)(nil)

// NewQuoter binds the QuoterV2 deployed at address.
func NewQuoter(caller ContractCaller, address common.Address) (*Quoter, error) {
	parsed, err := abi.JSON(strings.NewReader(quoterV2ABI))
	if err != nil {
		return nil, fmt.Errorf("uniswap: parse quoter abi: %w", err)
	}
	return &Quoter{caller: caller, address: address, abi: parsed}, nil
}

// Quote asks the quoter for the exact-input output of one pool. p.Venue is
// ignored; the pool is selected by the token pair and fee tier.
func (q *Quoter) Quote(ctx context.Context, p domain.QuoteParams) (domain.Quote, error) {
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return domain.Quote{}, fmt.Errorf("uniswap: quote: amount in must be positive")
	}
	data, err := q.pack(p)
	if err != nil {
		return domain.Quote{}, err
	}

	to := q.address
	raw, err := q.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("uniswap: quote %s->%s fee %d: %w: %w",
			p.TokenIn.Hex(), p.TokenOut.Hex(), p.Fee, domain.ErrVenueUnavailable, err)
	}
	out, err := q.unpack(raw)
	if err != nil {
		return domain.Quote{}, err
	}

	fee := new(big.Int).Mul(p.AmountIn, big.NewInt(int64(p.Fee)))
	fee.Quo(fee, feeDenominator)
	return domain.Quote{AmountOut: out, ProtocolFee: fee}, nil
}

func (q *Quoter) pack(p domain.QuoteParams) ([]byte, error) {
	data, err := q.abi.Pack(methodQuoteExactInputSingle, exactInputSingleParams{
		TokenIn:           p.TokenIn,
		TokenOut:          p.TokenOut,
		AmountIn:          p.AmountIn,
		Fee:               big.NewInt(int64(p.Fee)),
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, fmt.Errorf("uniswap: pack quote: %w", err)
	}
	return data, nil
}

func (q *Quoter) unpack(raw []byte) (*big.Int, error) {
	values, err := q.abi.Unpack(methodQuoteExactInputSingle, raw)
	if err != nil {
		return nil, fmt.Errorf("uniswap: unpack quote: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("uniswap: unpack quote: empty result")
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("uniswap: unpack quote: amountOut has type %T", values[0])
	}
	return out, nil
}
