package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Registry tracks the venues the engine may route through and answers
// quotes by dispatching to the addressed venue.
type Registry struct {
	mu      sync.RWMutex
	venues  map[common.Address]domain.SwapVenue
	oracles map[common.Address]domain.QuoteOracle
}

var (
	_ domain.VenueResolver = (*Registry)(nil)
	_ domain.QuoteOracle   = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venues:  make(map[common.Address]domain.SwapVenue),
		oracles: make(map[common.Address]domain.QuoteOracle),
	}
}

// Register adds a venue. Registering an address twice replaces the venue.
func (r *Registry) Register(v domain.SwapVenue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[v.Address()] = v
}

// Deregister removes a venue and any oracle override for it.
func (r *Registry) Deregister(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.venues[addr]
	delete(r.venues, addr)
	delete(r.oracles, addr)
	return ok
}

// SetOracle routes quotes for addr to an external oracle instead of the
// venue's own Quote, e.g. an on-chain quoter contract.
func (r *Registry) SetOracle(addr common.Address, o domain.QuoteOracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oracles[addr] = o
}

// Venue returns the venue registered at addr.
func (r *Registry) Venue(addr common.Address) (domain.SwapVenue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[addr]
	return v, ok
}

// Local returns the in-process venue registered at addr, if any.
func (r *Registry) Local(addr common.Address) (*Venue, bool) {
	v, ok := r.Venue(addr)
	if !ok {
		return nil, false
	}
	lv, ok := v.(*Venue)
	return lv, ok
}

// List returns all registered venues ordered by address.
func (r *Registry) List() []domain.SwapVenue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SwapVenue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address().Cmp(out[j].Address()) < 0 })
	return out
}

// Quote dispatches to the oracle override or the venue itself.
func (r *Registry) Quote(ctx context.Context, p domain.QuoteParams) (domain.Quote, error) {
	r.mu.RLock()
	o, hasOracle := r.oracles[p.Venue]
	v, ok := r.venues[p.Venue]
	r.mu.RUnlock()

	if !ok {
		return domain.Quote{}, fmt.Errorf("venue: quote: %s not registered: %w", p.Venue.Hex(), domain.ErrVenueUnavailable)
	}
	if hasOracle {
		return o.Quote(ctx, p)
	}
	return v.Quote(ctx, p)
}
