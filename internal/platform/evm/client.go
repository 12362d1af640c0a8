// Package evm connects the engine to an Ethereum JSON-RPC endpoint for the
// block height, the gas price and read-only contract calls.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientConfig holds the RPC connection parameters.
type ClientConfig struct {
	RPCURL  string
	ChainID int64 // zero skips the chain id check
	Timeout time.Duration
}

// Client is a thin, timeout-bounded wrapper around ethclient.
type Client struct {
	eth     *ethclient.Client
	timeout time.Duration
}

// Dial connects to cfg.RPCURL and, when cfg.ChainID is set, verifies the
// endpoint serves that chain.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial: %w", err)
	}
	c := &Client{eth: eth, timeout: cfg.Timeout}

	if cfg.ChainID != 0 {
		id, err := eth.ChainID(dialCtx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("evm: chain id: %w", err)
		}
		if id.Int64() != cfg.ChainID {
			eth.Close()
			return nil, fmt.Errorf("evm: endpoint serves chain %s, want %d", id, cfg.ChainID)
		}
	}
	return c, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("evm: block number: %w", err)
	}
	return n, nil
}

// SuggestGasPrice returns the node's gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: gas price: %w", err)
	}
	return p, nil
}

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.eth.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", msg.To.Hex(), err)
	}
	return out, nil
}

// Health checks the endpoint answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
