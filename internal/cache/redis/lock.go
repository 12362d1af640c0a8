package redis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// releaseLua deletes a lease only while it still carries the holder's value.
// It returns 0 when the lease expired and may belong to someone else.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with expiring leases. The
// execution service holds the "execution" lease across one trade so engine
// processes in the same namespace never interleave trades against the shared
// breaker window and route table.
//
// A lease value names its holder as "<owner>/<token>". Contention errors
// report the owner and the remaining lease time.
type LockManager struct {
	rdb       *redis.Client
	namespace string
	owner     string
	release   *redis.Script
	logger    *slog.Logger
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager that identifies this process as
// host:pid.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		rdb:       c.Underlying(),
		namespace: c.Namespace(),
		owner:     processOwner(),
		release:   redis.NewScript(releaseLua),
		logger:    logger.With(slog.String("component", "lock_manager")),
	}
}

func processOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

func (lm *LockManager) leaseKey(key string) string {
	return namespacedKey(lm.namespace, "lock", key)
}

func holderValue(owner, token string) string {
	return owner + "/" + token
}

// holderOwner strips the token from a lease value.
func holderOwner(value string) string {
	if i := strings.LastIndexByte(value, '/'); i >= 0 {
		return value[:i]
	}
	return value
}

// Acquire takes the lease for key or returns an error wrapping
// domain.ErrLockHeld. The returned release function is idempotent and logs
// when the lease ran out before it was called.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk := lm.leaseKey(key)
	value := holderValue(lm.owner, uuid.NewString())

	ok, err := lm.rdb.SetNX(ctx, lk, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, lm.heldError(ctx, key, lk)
	}

	acquired := time.Now()
	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := lm.release.Run(relCtx, lm.rdb, []string{lk}, value).Int64()
			switch {
			case err != nil:
				lm.logger.Warn("release lock failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			case n == 0:
				lm.logger.Warn("lock lease expired while held",
					slog.String("key", key),
					slog.Duration("held", time.Since(acquired)),
					slog.Duration("ttl", ttl),
				)
			}
		})
	}
	return release, nil
}

// heldError describes the current holder. Lookup failures still yield
// domain.ErrLockHeld.
func (lm *LockManager) heldError(ctx context.Context, key, lk string) error {
	value, _ := lm.rdb.Get(ctx, lk).Result()
	ttl, _ := lm.rdb.PTTL(ctx, lk).Result()
	return lockHeldError(key, holderOwner(value), ttl)
}

func lockHeldError(key, owner string, remaining time.Duration) error {
	switch {
	case owner == "":
		return fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	case remaining > 0:
		return fmt.Errorf("redis: lock %s held by %s for another %s: %w",
			key, owner, remaining.Round(time.Millisecond), domain.ErrLockHeld)
	default:
		return fmt.Errorf("redis: lock %s held by %s: %w", key, owner, domain.ErrLockHeld)
	}
}
