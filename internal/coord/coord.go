// Package coord provides a typed wrapper over the coordination store
// (Redis) used for session/refresh bookkeeping, device state, baselines,
// recent-payload buffers, rate-limit counters, and the kill-switch
// pub/sub channel. It is the sole place in the module that imports
// go-redis directly.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// deleteIfPresentScript atomically deletes a key and reports whether it
// existed, giving single-use redemption (refresh tokens) a true
// compare-and-delete primitive instead of a racy GET-then-DEL.
const deleteIfPresentScript = `
local v = redis.call("GET", KEYS[1])
if v then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`

// Client wraps a go-redis connection pool with the primitives the rest of
// the module needs: hashes, lists, TTL, pub/sub, atomic INCR and
// delete-if-present.
type Client struct {
	rdb    *redis.Client
	delIfP *redis.Script
}

// Options configures the underlying connection pool.
type Options struct {
	URL         string
	PoolSize    int
	DialTimeout time.Duration
}

// New dials the coordination store and verifies connectivity with a ping.
func New(ctx context.Context, opts Options) (*Client, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("coord: parse url: %w", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		redisOpts.DialTimeout = opts.DialTimeout
	}

	rdb := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("coord: ping failed: %w", err)
	}

	slog.Info("coord: connected", "addr", redisOpts.Addr)
	return &Client{rdb: rdb, delIfP: redis.NewScript(deleteIfPresentScript)}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Set stores value at key with optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value at key, and ok=false if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// TTL returns the remaining TTL of key. -2 means the key does not exist,
// -1 means it exists with no expiry, matching Redis TTL semantics exactly
// since callers (refresh redemption) rely on -2 as the "absent" signal.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// Del deletes one or more keys, ignoring absence.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// DeleteIfPresent atomically deletes key and reports whether it existed.
// This is the single-use gate for refresh-token redemption.
func (c *Client) DeleteIfPresent(ctx context.Context, key string) (existed bool, err error) {
	res, err := c.delIfP.Run(ctx, c.rdb, []string{key}).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Keys returns all keys matching pattern. Used for the revoke-and-block
// sweep of refresh:<user>:<device>:* records; acceptable at this scale
// since a single device has at most a handful of live refresh records.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.rdb.Keys(ctx, pattern).Result()
}

// Incr increments key and, only when the result is 1 (i.e. the key was
// just created), applies ttl — the "atomic INCR then conditional EXPIRE"
// rate-limit primitive.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		c.rdb.Expire(ctx, key, ttl)
	}
	return n, nil
}

// LPushTrim prepends value to the list at key and trims it to at most cap
// entries, implementing the "recent-payload buffer" / "trust_hist" list
// invariant in one round trip via a pipeline.
func (c *Client) LPushTrim(ctx context.Context, key, value string, cap int64) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, cap-1)
	_, err := pipe.Exec(ctx)
	return err
}

// LRange returns up to count entries from the list at key, newest first
// (index 0 is the most recently LPUSH'd element).
func (c *Client) LRange(ctx context.Context, key string, count int64) ([]string, error) {
	if count <= 0 {
		count = -1
	} else {
		count--
	}
	return c.rdb.LRange(ctx, key, 0, count).Result()
}

// LLen returns the length of the list at key. The analyzer's queue-depth
// breaker does not use it; it reads the length of its in-process job
// channel.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// HGetAll returns all fields of the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HSet sets multiple fields on the hash at key and, if ttl>0, refreshes
// its expiry.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, values...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Publish publishes message to channel.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe subscribes to channel and returns the raw *redis.PubSub; the
// caller drives its own receive loop and closes it when done. Grounded on
// the teacher's infra.GoRedisAdapter.Subscribe shape, generalized to
// return the PubSub so callers (the kill-switch relay) keep explicit
// control over shutdown ordering.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}
