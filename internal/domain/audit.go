package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AuditAction names an audited change to engine state.
type AuditAction string

// Administrative actions. Each is taken by a signing administrator.
const (
	AuditSetProfitParams      AuditAction = "admin.set_profit_params"
	AuditSetBreakerLimits     AuditAction = "admin.set_breaker_limits"
	AuditForceBreaker         AuditAction = "admin.force_breaker"
	AuditClearBreakerOverride AuditAction = "admin.clear_breaker_override"
	AuditResetRoute           AuditAction = "admin.reset_route"
	AuditRegisterVenue        AuditAction = "admin.register_venue"
	AuditDeregisterVenue      AuditAction = "admin.deregister_venue"
	AuditSetProfitShares      AuditAction = "admin.set_profit_shares"
	AuditSetVolatilityIndex   AuditAction = "admin.set_volatility_index"
)

// AuditArchiveTradeResults is recorded by the engine when trade history
// moves to cold storage.
const AuditArchiveTradeResults AuditAction = "archive.trade_results"

var knownAuditActions = map[AuditAction]bool{
	AuditSetProfitParams:      true,
	AuditSetBreakerLimits:     true,
	AuditForceBreaker:         true,
	AuditClearBreakerOverride: true,
	AuditResetRoute:           true,
	AuditRegisterVenue:        true,
	AuditDeregisterVenue:      true,
	AuditSetProfitShares:      true,
	AuditSetVolatilityIndex:   true,
	AuditArchiveTradeResults:  true,
}

// ErrInvalidAuditEvent is returned for events that cannot be recorded.
var ErrInvalidAuditEvent = errors.New("invalid audit event")

// Valid reports whether a is a known action.
func (a AuditAction) Valid() bool { return knownAuditActions[a] }

// Administrative reports whether a is only ever taken by an administrator.
func (a AuditAction) Administrative() bool {
	return strings.HasPrefix(string(a), "admin.")
}

// ParseAuditAction accepts the stored form of an action.
func ParseAuditAction(s string) (AuditAction, error) {
	a := AuditAction(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidAuditEvent, s)
	}
	return a, nil
}

// AuditEvent is one row of the append-only audit log.
type AuditEvent struct {
	ID        int64          `json:"id"`
	Action    AuditAction    `json:"action"`
	Actor     common.Address `json:"actor"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// System reports whether the engine acted without an administrator.
func (e AuditEvent) System() bool { return e.Actor == (common.Address{}) }

// Validate checks that the event names a known action and that
// administrative actions carry their actor.
func (e AuditEvent) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAuditEvent, e.Action)
	}
	if e.Action.Administrative() && e.System() {
		return fmt.Errorf("%w: %s requires an actor", ErrInvalidAuditEvent, e.Action)
	}
	return nil
}

// AuditFilter narrows an audit listing. Zero fields match everything.
type AuditFilter struct {
	ListOpts
	Action AuditAction
	Actor  *common.Address
}

// AuditStore persists the audit log.
type AuditStore interface {
	Record(ctx context.Context, ev AuditEvent) error
	List(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
}
