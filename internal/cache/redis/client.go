// Package redis holds the engine's shared runtime state in Redis: breaker
// window, failed routes, the execution lock, API rate limits and the event
// bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes keys when ClientConfig.Namespace is empty.
const DefaultNamespace = "flasharb"

// ClientConfig holds connection parameters for the Redis client.
//
// Namespace separates deployments that share one Redis, typically one per
// chain. Engine processes only share a breaker window, route table and
// execution lock when their namespaces match.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	Namespace  string
}

// Client is a go-redis client bound to one deployment namespace.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	ns := strings.Trim(cfg.Namespace, ":")
	if ns == "" {
		ns = DefaultNamespace
	}

	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		ClientName: ns + "-engine",
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb, namespace: ns}, nil
}

// Namespace returns the key prefix shared by this deployment.
func (c *Client) Namespace() string {
	return c.namespace
}

// Key joins parts under the client's namespace, e.g. "flasharb:breaker".
func (c *Client) Key(parts ...string) string {
	return namespacedKey(c.namespace, parts...)
}

func namespacedKey(ns string, parts ...string) string {
	return ns + ":" + strings.Join(parts, ":")
}

// Ping is the health check registered for the redis dependency.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
