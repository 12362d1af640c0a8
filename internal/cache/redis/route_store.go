package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// RouteStore implements domain.RouteStore as a Redis hash keyed by route
// fingerprint.
type RouteStore struct {
	rdb *redis.Client
	key string
}

// Compile-time interface check.
var _ domain.RouteStore = (*RouteStore)(nil)

// NewRouteStore creates a RouteStore backed by the given Client.
func NewRouteStore(c *Client) *RouteStore {
	return &RouteStore{rdb: c.Underlying(), key: c.Key("routes")}
}

// LoadRoutes returns every stored record ordered by fingerprint. Entries that
// fail to decode are skipped.
func (s *RouteStore) LoadRoutes(ctx context.Context) ([]domain.FailedRouteRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: load routes: %w", err)
	}
	return decodeRoutes(fields), nil
}

// SaveRoute writes one record.
func (s *RouteStore) SaveRoute(ctx context.Context, rec domain.FailedRouteRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal route %s: %w", rec.Fingerprint.Hex(), err)
	}
	if err := s.rdb.HSet(ctx, s.key, rec.Fingerprint.Hex(), data).Err(); err != nil {
		return fmt.Errorf("redis: save route %s: %w", rec.Fingerprint.Hex(), err)
	}
	return nil
}

// DeleteRoute removes one record. Deleting a missing record is not an error.
func (s *RouteStore) DeleteRoute(ctx context.Context, fp common.Hash) error {
	if err := s.rdb.HDel(ctx, s.key, fp.Hex()).Err(); err != nil {
		return fmt.Errorf("redis: delete route %s: %w", fp.Hex(), err)
	}
	return nil
}

func decodeRoutes(fields map[string]string) []domain.FailedRouteRecord {
	out := make([]domain.FailedRouteRecord, 0, len(fields))
	for _, raw := range fields {
		var rec domain.FailedRouteRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint.Hex() < out[j].Fingerprint.Hex()
	})
	return out
}
