package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// BreakerStore implements domain.BreakerStore as a Redis hash so several
// engine processes share one breaker window.
type BreakerStore struct {
	rdb *redis.Client
	key string
}

// Compile-time interface check.
var _ domain.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore creates a BreakerStore backed by the given Client.
func NewBreakerStore(c *Client) *BreakerStore {
	return &BreakerStore{rdb: c.Underlying(), key: c.Key("breaker")}
}

// LoadBreaker returns the stored window or domain.ErrNotFound.
func (s *BreakerStore) LoadBreaker(ctx context.Context) (domain.CircuitBreakerState, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.CircuitBreakerState{}, fmt.Errorf("redis: load breaker: %w", err)
	}
	if len(fields) == 0 {
		return domain.CircuitBreakerState{}, fmt.Errorf("redis: breaker: %w", domain.ErrNotFound)
	}
	st, err := decodeBreaker(fields)
	if err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("redis: decode breaker: %w", err)
	}
	return st, nil
}

// SaveBreaker overwrites the stored window.
func (s *BreakerStore) SaveBreaker(ctx context.Context, st domain.CircuitBreakerState) error {
	if err := s.rdb.HSet(ctx, s.key, encodeBreaker(st)).Err(); err != nil {
		return fmt.Errorf("redis: save breaker: %w", err)
	}
	return nil
}

func encodeBreaker(st domain.CircuitBreakerState) map[string]any {
	return map[string]any{
		"max_volume":   bigOrZero(st.MaxVolumePerPeriod),
		"max_trades":   strconv.FormatUint(st.MaxTradesPerPeriod, 10),
		"period":       st.PeriodDuration.String(),
		"warning_bps":  strconv.FormatUint(uint64(st.WarningRatioBps), 10),
		"period_start": strconv.FormatInt(st.CurrentPeriodStart.UnixNano(), 10),
		"volume":       bigOrZero(st.CurrentVolume),
		"trades":       strconv.FormatUint(st.CurrentTrades, 10),
		"state":        string(st.State),
		"override":     string(st.Override),
	}
}

func decodeBreaker(f map[string]string) (domain.CircuitBreakerState, error) {
	var st domain.CircuitBreakerState
	var err error

	if st.MaxVolumePerPeriod, err = parseBig(f["max_volume"]); err != nil {
		return st, err
	}
	if st.CurrentVolume, err = parseBig(f["volume"]); err != nil {
		return st, err
	}
	if st.MaxTradesPerPeriod, err = parseUint(f["max_trades"], 64); err != nil {
		return st, err
	}
	if st.CurrentTrades, err = parseUint(f["trades"], 64); err != nil {
		return st, err
	}
	warning, err := parseUint(f["warning_bps"], 32)
	if err != nil {
		return st, err
	}
	st.WarningRatioBps = uint32(warning)
	if p := f["period"]; p != "" {
		if st.PeriodDuration, err = time.ParseDuration(p); err != nil {
			return st, err
		}
	}
	if ns := f["period_start"]; ns != "" {
		n, err := strconv.ParseInt(ns, 10, 64)
		if err != nil {
			return st, err
		}
		st.CurrentPeriodStart = time.Unix(0, n).UTC()
	}
	st.State = domain.BreakerState(f["state"])
	if st.State == "" {
		st.State = domain.BreakerNormal
	}
	st.Override = domain.BreakerState(f["override"])
	return st, nil
}

func bigOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func parseUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, bits)
}
