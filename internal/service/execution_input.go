package service

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// ErrInvalidInput marks a request document that could not be decoded into a
// trade request. It never reaches the engine.
var ErrInvalidInput = errors.New("invalid execution input")

// ExecutionInput is the wire form of an execution request, shared by the
// HTTP API and the one-shot execute mode. Amounts are base-unit decimal
// strings and Deadline is a unix timestamp in seconds.
type ExecutionInput struct {
	Caller         string   `json:"caller"`
	Venues         []string `json:"venues"`
	Path           []string `json:"path"`
	Fees           []uint32 `json:"fees"`
	LoanAmount     string   `json:"loan_amount"`
	MinProfitBps   uint32   `json:"min_profit_bps"`
	MaxSlippageBps uint32   `json:"max_slippage_bps"`
	Deadline       int64    `json:"deadline"`
	MEVProtection  bool     `json:"mev_protection"`
	MaxGasPrice    string   `json:"max_gas_price,omitempty"`
}

// Decode converts the document into a trade request made by caller, the
// authenticated identity. A document that names a different caller is
// rejected as unauthorized. Structural route checks are left to the engine
// so they are recorded.
func (in ExecutionInput) Decode(caller common.Address) (domain.TradeRequest, error) {
	if caller == (common.Address{}) {
		return domain.TradeRequest{}, fmt.Errorf("%w: caller is required", ErrInvalidInput)
	}
	if in.Caller != "" {
		named, err := parseAddress("caller", in.Caller)
		if err != nil {
			return domain.TradeRequest{}, err
		}
		if named != caller {
			return domain.TradeRequest{}, fmt.Errorf("execution input: caller %s is not the authenticated %s: %w",
				named.Hex(), caller.Hex(), domain.ErrUnauthorized)
		}
	}

	venues, err := parseAddresses("venues", in.Venues)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	path, err := parseAddresses("path", in.Path)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	loan, err := parseAmount("loan_amount", in.LoanAmount)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if in.Deadline <= 0 {
		return domain.TradeRequest{}, fmt.Errorf("%w: deadline is required", ErrInvalidInput)
	}

	req := domain.TradeRequest{
		Venues:         venues,
		Path:           path,
		Fees:           append([]uint32(nil), in.Fees...),
		LoanAmount:     loan,
		MinProfitBps:   in.MinProfitBps,
		MaxSlippageBps: in.MaxSlippageBps,
		Deadline:       time.Unix(in.Deadline, 0).UTC(),
		MEVProtection:  in.MEVProtection,
	}
	if in.MaxGasPrice != "" {
		if req.MaxGasPrice, err = parseAmount("max_gas_price", in.MaxGasPrice); err != nil {
			return domain.TradeRequest{}, err
		}
	}
	return req, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not a hex address", ErrInvalidInput, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAddresses(field string, in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for i, s := range in {
		addr, err := parseAddress(fmt.Sprintf("%s[%d]", field, i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q must be a non-negative integer", ErrInvalidInput, field, s)
	}
	return n, nil
}
