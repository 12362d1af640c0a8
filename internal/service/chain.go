package service

import (
	"context"
	"math/big"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// ChainReader supplies the block context of an execution.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// LocalChain derives block numbers from wall time for runs without an RPC
// endpoint: one block per BlockTime since Genesis.
type LocalChain struct {
	Genesis   time.Time
	BlockTime time.Duration
	GasPrice  *big.Int
	Clock     domain.Clock
}

// NewLocalChain starts a local chain at the current time with 2s blocks.
func NewLocalChain(gasPrice *big.Int, clock domain.Clock) *LocalChain {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if gasPrice == nil {
		gasPrice = big.NewInt(1_000_000_000)
	}
	return &LocalChain{Genesis: clock.Now(), BlockTime: 2 * time.Second, GasPrice: gasPrice, Clock: clock}
}

// BlockNumber returns the number of whole block intervals since Genesis,
// starting at 1.
func (c *LocalChain) BlockNumber(context.Context) (uint64, error) {
	elapsed := c.Clock.Now().Sub(c.Genesis)
	if elapsed < 0 || c.BlockTime <= 0 {
		return 1, nil
	}
	return uint64(elapsed/c.BlockTime) + 1, nil
}

// SuggestGasPrice returns the configured price.
func (c *LocalChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.GasPrice), nil
}
