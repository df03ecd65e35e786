// Package store adapts Redis into the shared realtime record store the
// lobby protocol runs on: JSON records under stable keys, ordered per-key
// change feeds, "child added" query feeds over set indexes, unique key
// allocation, atomic single-record updates, and presence leases whose
// expiry stands in for a disconnect-triggered write.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/obslog"
)

var (
	// ErrConflict reports that a concurrent writer changed the record
	// while an Update was in flight. Callers observe the next
	// notification instead of retrying.
	ErrConflict = errors.New("concurrent record update")
	// ErrNotFound reports an Update against a missing record.
	ErrNotFound = errors.New("record not found")
)

// DefaultLeaseTTL is how long a presence lease survives without a
// heartbeat before the store considers the client disconnected.
const DefaultLeaseTTL = 30 * time.Second

type Client struct {
	rdb *redis.Client

	mu     sync.Mutex
	leases map[string]chan struct{} // uid -> heartbeat stop
}

func NewClient(redisURL string) (*Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for store client")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb, leases: make(map[string]chan struct{})}, nil
}

// NewClientFromRedis wraps an existing connection; used by tests and by
// callers sharing one connection across components.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, leases: make(map[string]chan struct{})}
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	c.mu.Lock()
	for uid, stop := range c.leases {
		close(stop)
		delete(c.leases, uid)
	}
	c.mu.Unlock()
	return c.rdb.Close()
}

// GenerateKey allocates a store-unique record key under the given path
// prefix, e.g. GenerateKey("games") -> "games/4f1c...".
func (c *Client) GenerateKey(prefix string) string {
	return strings.TrimSuffix(strings.TrimSpace(prefix), "/") + "/" + uuid.NewString()
}

func recKey(key string) string  { return "rec:" + strings.TrimSpace(key) }
func chgChan(key string) string { return "chg:" + strings.TrimSpace(key) }
func addChan(key string) string { return "add:" + strings.TrimSpace(key) }
func idxKey(key string) string  { return "idx:" + strings.TrimSpace(key) }
func leaseKey(uid string) string {
	return "presence:" + strings.TrimSpace(uid)
}

// Put writes the full record and publishes the new value on the key's
// change feed. Write and publish ride the same pipeline so notification
// order matches write order.
func (c *Client) Put(ctx context.Context, key string, raw []byte) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, recKey(key), raw, 0)
	pipe.Publish(ctx, chgChan(key), raw)
	_, err := pipe.Exec(ctx)
	return err
}

// Get reads the record once. found is false when the key is absent,
// which is not an error.
func (c *Client) Get(ctx context.Context, key string) (raw []byte, found bool, err error) {
	raw, err = c.rdb.Get(ctx, recKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Update applies an atomic read-modify-write to a single record. The
// mutator receives the current raw value and returns the replacement;
// the write and the change publish happen in one transaction, and only
// if no concurrent writer touched the key in between (WATCH
// semantics). A lost race surfaces as ErrConflict, a missing record as
// ErrNotFound.
func (c *Client) Update(ctx context.Context, key string, mutate func(raw []byte) ([]byte, error)) error {
	rk := recKey(key)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		newRaw, err := mutate(raw)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, rk, newRaw, 0)
		pipe.Publish(ctx, chgChan(key), newRaw)
		_, err = pipe.Exec(ctx)
		return err
	}, rk)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// Delete removes the record and publishes a tombstone (empty payload)
// so live watchers observe the disappearance. Watchers owned by the
// deleting party must be detached first.
func (c *Client) Delete(ctx context.Context, key string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, recKey(key))
	pipe.Publish(ctx, chgChan(key), "")
	_, err := pipe.Exec(ctx)
	return err
}

// Signal publishes an empty change event on a feed that has no record
// body of its own (e.g. the identities roster feed).
func (c *Client) Signal(ctx context.Context, feed string) error {
	return c.rdb.Publish(ctx, chgChan(feed), "").Err()
}

// AddIndex registers key as a child of the index and publishes a
// child-added event carrying the child key.
func (c *Client) AddIndex(ctx context.Context, index, key string) error {
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, idxKey(index), key)
	pipe.Publish(ctx, addChan(index), key)
	_, err := pipe.Exec(ctx)
	return err
}

// RemIndex unregisters a child; no event is published, removal is a
// cleanup concern and never a state transition.
func (c *Client) RemIndex(ctx context.Context, index, key string) error {
	return c.rdb.SRem(ctx, idxKey(index), key).Err()
}

// ListIndex returns the index members in no particular order.
func (c *Client) ListIndex(ctx context.Context, index string) ([]string, error) {
	return c.rdb.SMembers(ctx, idxKey(index)).Result()
}

// AcquireLease marks the identity as connected and starts a heartbeat
// that keeps the lease alive until ReleaseLease or connection loss.
// A prior heartbeat for the same uid is replaced: arming does not
// survive a new connection session and must be repeated.
func (c *Client) AcquireLease(ctx context.Context, uid string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if err := c.rdb.Set(ctx, leaseKey(uid), "1", ttl).Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	c.mu.Lock()
	if prev, ok := c.leases[uid]; ok {
		close(prev)
	}
	c.leases[uid] = stop
	c.mu.Unlock()

	go c.heartbeat(uid, ttl, stop)
	return nil
}

func (c *Client) heartbeat(uid string, ttl time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			err := c.rdb.Expire(ctx, leaseKey(uid), ttl).Err()
			cancel()
			if err != nil {
				// Refresh failed: the lease will expire on its own,
				// which is exactly the disconnect write.
				obslog.L().Warn("presence_heartbeat_error", zap.String("uid", uid), zap.Error(err))
				return
			}
		}
	}
}

// ReleaseLease proactively drops the lease (explicit sign-out).
func (c *Client) ReleaseLease(ctx context.Context, uid string) error {
	c.mu.Lock()
	if stop, ok := c.leases[uid]; ok {
		close(stop)
		delete(c.leases, uid)
	}
	c.mu.Unlock()
	return c.rdb.Del(ctx, leaseKey(uid)).Err()
}

// LeaseHeld reports whether the identity currently holds a lease.
func (c *Client) LeaseHeld(ctx context.Context, uid string) (bool, error) {
	n, err := c.rdb.Exists(ctx, leaseKey(uid)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
