package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// DefaultMaxHops bounds the number of legs in a route.
const DefaultMaxHops = 4

// DefaultFailureThreshold is how many recorded failures blacklist a route.
const DefaultFailureThreshold = 3

// RouteValidator checks routes before a loan is requested and keeps the
// failed-route table consulted by later requests.
type RouteValidator struct {
	maxHops   int
	threshold uint32
	venues    domain.VenueResolver

	mu     sync.RWMutex
	failed map[common.Hash]domain.FailedRouteRecord
}

// NewRouteValidator creates a validator. Zero values select the defaults.
func NewRouteValidator(maxHops int, threshold uint32, venues domain.VenueResolver) *RouteValidator {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	return &RouteValidator{
		maxHops:   maxHops,
		threshold: threshold,
		venues:    venues,
		failed:    make(map[common.Hash]domain.FailedRouteRecord),
	}
}

// MaxHops returns the configured hop limit.
func (v *RouteValidator) MaxHops() int { return v.maxHops }

// Validate checks, in order: hop count, addresses, blacklist, deadline.
func (v *RouteValidator) Validate(req domain.TradeRequest, now time.Time) error {
	hops := req.Hops()
	if hops < 1 || hops > v.maxHops {
		return fmt.Errorf("%w: %d hops, limit %d", domain.ErrMalformedRoute, hops, v.maxHops)
	}
	zero := common.Address{}
	for i, venue := range req.Venues {
		if venue == zero {
			return fmt.Errorf("%w: venue %d is the zero address", domain.ErrMalformedRoute, i)
		}
		if v.venues != nil {
			if _, ok := v.venues.Venue(venue); !ok {
				return fmt.Errorf("%w: venue %s not registered", domain.ErrMalformedRoute, venue.Hex())
			}
		}
	}
	for i, token := range req.Path {
		if token == zero {
			return fmt.Errorf("%w: token %d is the zero address", domain.ErrMalformedRoute, i)
		}
	}
	fp := req.Fingerprint()
	if v.IsBlacklisted(fp) {
		return fmt.Errorf("%w: %s", domain.ErrRouteBlacklisted, fp.Hex())
	}
	if now.After(req.Deadline) {
		return fmt.Errorf("route: %w", domain.ErrDeadlineExpired)
	}
	return nil
}

// IsBlacklisted reports whether the fingerprint reached the threshold.
func (v *RouteValidator) IsBlacklisted(fp common.Hash) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.failed[fp]
	return ok && rec.Failures >= v.threshold
}

// RecordFailure increments the failure counter of fp.
func (v *RouteValidator) RecordFailure(fp common.Hash, now time.Time) domain.FailedRouteRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec := v.failed[fp]
	rec.Fingerprint = fp
	rec.Failures++
	rec.LastFailure = now
	v.failed[fp] = rec
	return rec
}

// Reset clears the record of fp. It reports whether a record existed.
func (v *RouteValidator) Reset(fp common.Hash) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.failed[fp]
	delete(v.failed, fp)
	return ok
}

// Records lists the failed-route table, most recent failure first.
func (v *RouteValidator) Records() []domain.FailedRouteRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.FailedRouteRecord, 0, len(v.failed))
	for _, rec := range v.failed {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastFailure.After(out[j].LastFailure) })
	return out
}

// Load replaces the table with persisted records.
func (v *RouteValidator) Load(records []domain.FailedRouteRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failed = make(map[common.Hash]domain.FailedRouteRecord, len(records))
	for _, rec := range records {
		v.failed[rec.Fingerprint] = rec
	}
}
