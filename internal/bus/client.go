// Package bus is the typed wrapper over the external key/pubsub store (spec
// §4.1, component C1). It is the only component permitted to talk to the
// store directly; every other component goes through a Client.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a concurrent-safe handle shared by every worker in the node. It
// is reference-counted by the caller (the startup orchestrator) and closed
// exactly once on shutdown, mirroring the teacher's single shared registry
// handle in internal/coordination/registry.
type Client struct {
	rdb    *redis.Client
	policy *TTLPolicy
}

// Config describes how to reach the bus.
type Config struct {
	Addr          string
	Password      string
	DB            int
	HeartbeatTTL  time.Duration
	DialTimeout   time.Duration
	OpTimeout     time.Duration
}

const defaultOpTimeout = 2 * time.Second

// New dials the bus. Connection loss after a successful dial surfaces as
// transient errors from individual operations, per spec §4.1/§7 — New itself
// only fails if the initial handshake cannot complete.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	return &Client{rdb: rdb, policy: NewTTLPolicy(cfg.HeartbeatTTL)}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// TTLFor exposes the configured policy so callers can report the TTL they
// expect a key to carry, without duplicating the prefix table.
func (c *Client) TTLFor(key string) time.Duration {
	return c.policy.Resolve(key)
}

// Get reads a string value. A missing key returns redis.Nil, which callers
// should treat as "no snapshot yet" rather than a transient failure.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := withRetry(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("bus get %s: %w", key, err)
	}
	return out, nil
}

// Set writes value under key with the TTL resolved from the policy table,
// unless ttlOverride is non-zero (used by callers that already know the
// configured TTL, e.g. from the truth document).
func (c *Client) Set(ctx context.Context, key, value string, ttlOverride ...time.Duration) error {
	ttl := c.policy.Resolve(key)
	if len(ttlOverride) > 0 && ttlOverride[0] != 0 {
		ttl = ttlOverride[0]
	}
	expiry := ttl
	if expiry == Persistent {
		expiry = 0
	}
	err := withRetry(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, expiry).Err()
	})
	if err != nil {
		return fmt.Errorf("bus set %s: %w", key, err)
	}
	return nil
}

// HSet sets one field of a hash. The hash itself carries no TTL (mesh:state
// is persistent per spec §4.4); per-field expiry is not part of the contract.
func (c *Client) HSet(ctx context.Context, hash, field, value string) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		return c.rdb.HSet(ctx, hash, field, value).Err()
	})
	if err != nil {
		return fmt.Errorf("bus hset %s/%s: %w", hash, field, err)
	}
	return nil
}

// HDel removes one field of a hash.
func (c *Client) HDel(ctx context.Context, hash, field string) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		return c.rdb.HDel(ctx, hash, field).Err()
	})
	if err != nil {
		return fmt.Errorf("bus hdel %s/%s: %w", hash, field, err)
	}
	return nil
}

// HGetAll reads all fields of a hash, normalized to strings (spec §4.1's
// "key-pattern decoding" contract — the bus library may hand back []byte
// internally; go-redis already normalizes to string for us, but we keep this
// as the single seam other code depends on in case that ever changes).
func (c *Client) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	var out map[string]string
	err := withRetry(ctx, func(ctx context.Context) error {
		v, err := c.rdb.HGetAll(ctx, hash).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bus hgetall %s: %w", hash, err)
	}
	return out, nil
}

// Keys lists keys matching a glob pattern using the KEYS command (not SCAN),
// matching spec §4.1's literal "pattern KEYS" contract.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := withRetry(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bus keys %s: %w", pattern, err)
	}
	return out, nil
}

// TTL reports the remaining time-to-live of key, for the testable property
// in spec §8.1 ("time_to_live <= declared_ttl at all times").
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("bus ttl %s: %w", key, err)
	}
	return d, nil
}

// Publish broadcasts msg on channel.
func (c *Client) Publish(ctx context.Context, channel, msg string) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, msg).Err()
	})
	if err != nil {
		return fmt.Errorf("bus publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is a normalized pub/sub handle.
type Subscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

// Channel returns the receive-only message channel.
func (s *Subscription) Channel() <-chan *redis.Message {
	return s.ch
}

// Close stops the subscription.
func (s *Subscription) Close() error {
	return s.ps.Close()
}

// Subscribe listens on one or more exact channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *Subscription {
	ps := c.rdb.Subscribe(ctx, channels...)
	return &Subscription{ps: ps, ch: ps.Channel()}
}

// PSubscribe listens on a glob pattern, used for keyspace notifications.
func (c *Client) PSubscribe(ctx context.Context, pattern string) *Subscription {
	ps := c.rdb.PSubscribe(ctx, pattern)
	return &Subscription{ps: ps, ch: ps.Channel()}
}

// Op describes a single write inside an atomic batch.
type Op struct {
	Kind    OpKind
	Key     string // Set/HSet/HDel target, or hash name for HSet/HDel
	Field   string // HSet/HDel field
	Value   string // Set/HSet value
	TTL     time.Duration // zero resolves via the TTL policy table; Persistent forces no expiry
	Channel string // Publish target
}

// OpKind enumerates the batchable operation types.
type OpKind int

const (
	OpSet OpKind = iota
	OpHSet
	OpHDel
	OpPublish
)

// Pipeline executes ops as a single atomic multi/exec transaction against the
// bus — spec §4.1's "atomic batch" contract. All ops apply, or none are
// observed to apply; no local buffering or partial retry of a sub-op.
func (c *Client) Pipeline(ctx context.Context, ops []Op) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		_, txErr := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range ops {
				switch op.Kind {
				case OpSet:
					ttl := op.TTL
					if ttl == 0 {
						ttl = c.policy.Resolve(op.Key)
					}
					if ttl == Persistent {
						ttl = 0
					}
					pipe.Set(ctx, op.Key, op.Value, ttl)
				case OpHSet:
					pipe.HSet(ctx, op.Key, op.Field, op.Value)
				case OpHDel:
					pipe.HDel(ctx, op.Key, op.Field)
				case OpPublish:
					pipe.Publish(ctx, op.Channel, op.Value)
				}
			}
			return nil
		})
		return txErr
	})
	if err != nil {
		return fmt.Errorf("bus pipeline: %w", err)
	}
	return nil
}
