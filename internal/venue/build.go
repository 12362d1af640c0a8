package venue

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// PoolSpec seeds one pool of a venue.
type PoolSpec struct {
	TokenA   common.Address `json:"token_a"`
	TokenB   common.Address `json:"token_b"`
	Fee      uint32         `json:"fee"`
	ReserveA *big.Int       `json:"reserve_a"`
	ReserveB *big.Int       `json:"reserve_b"`
}

// Spec describes a venue to construct.
type Spec struct {
	Address common.Address   `json:"address"`
	Kind    domain.VenueKind `json:"kind"`
	Amp     uint64           `json:"amp,omitempty"`
	Members []common.Address `json:"members,omitempty"`
	Pools   []PoolSpec       `json:"pools,omitempty"`
}

// Build constructs the venue described by spec and seeds its pools.
// Aggregator members are resolved through lookup and must already exist.
func Build(spec Spec, l Ledger, clock domain.Clock, lookup func(common.Address) (*Venue, bool)) (*Venue, error) {
	if spec.Address == (common.Address{}) {
		return nil, fmt.Errorf("venue: zero address")
	}

	var v *Venue
	switch spec.Kind {
	case domain.VenueConstantProduct:
		v = NewConstantProduct(spec.Address, l, clock)
	case domain.VenueStableSwap:
		var err error
		if v, err = NewStableSwap(spec.Address, spec.Amp, l, clock); err != nil {
			return nil, err
		}
	case domain.VenueAggregator:
		if len(spec.Pools) > 0 {
			return nil, fmt.Errorf("venue: %s: aggregators hold no pools", spec.Address.Hex())
		}
		v = NewAggregator(spec.Address, l, clock)
		for _, addr := range spec.Members {
			m, ok := lookup(addr)
			if !ok {
				return nil, fmt.Errorf("venue: %s: member %s: %w", spec.Address.Hex(), addr.Hex(), domain.ErrNotFound)
			}
			v.AddMember(m)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("venue: %s: unknown kind %q", spec.Address.Hex(), spec.Kind)
	}

	for _, p := range spec.Pools {
		if _, err := v.AddPool(p.TokenA, p.TokenB, p.Fee, orZero(p.ReserveA), orZero(p.ReserveB)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
