// Package redis owns the go-redis dependency. The broker keeps two kinds of
// short-lived state there: per-user action counters for rate limits and
// processed webhook update IDs.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable is what adapters accept, so only this package imports go-redis.
type Cmdable = redis.Cmdable

// Config holds connection parameters. Zero timeouts and pool size take the
// go-redis defaults.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Client holds the connection pool. RDB is handed to adapters.
type Client struct {
	RDB *redis.Client
}

// NewClient configures a pool; it does not dial. Call Ping to check the
// address.
func NewClient(cfg Config) *Client {
	return &Client{RDB: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ReadTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})}
}

// Ping checks the server answers. Setup fails fast on it and /readyz
// reports it.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.RDB.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", c.RDB.Options().Addr, err)
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.RDB.Close()
}
