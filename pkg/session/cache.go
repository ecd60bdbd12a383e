package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/galenhealth/mortar/pkg/observability"
)

// Tier is one storage level of the session cache. A nil payload with a
// nil error is a miss. Implementations own their own expiry; the
// TieredCache still enforces the entry-level TTL on top.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// FailureCounter tracks consecutive failed resolutions per principal.
// The gateway reads it to escalate troubleshooting hints.
type FailureCounter interface {
	Increment(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
	Value(ctx context.Context, key string) (int64, error)
}

// MemoryTier is the primary tier: an in-process expirable LRU.
type MemoryTier struct {
	cache *lru.LRU[string, []byte]
}

// NewMemoryTier creates the in-process tier. Its internal expiry
// mirrors the cache TTL so stale entries age out even if never read.
func NewMemoryTier(size int, ttl time.Duration) *MemoryTier {
	if size <= 0 {
		size = 1024
	}
	return &MemoryTier{cache: lru.NewLRU[string, []byte](size, nil, ttl)}
}

func (t *MemoryTier) Get(ctx context.Context, key string) ([]byte, error) {
	payload, ok := t.cache.Get(key)
	if !ok {
		return nil, nil
	}
	return payload, nil
}

func (t *MemoryTier) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	t.cache.Add(key, payload)
	return nil
}

func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.cache.Remove(key)
	return nil
}

// Keys returns the cached keys, oldest first.
func (t *MemoryTier) Keys() []string {
	return t.cache.Keys()
}

// RedisTier is the backup tier. It also hosts the failure counter so
// the count survives process restarts.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier creates the backup tier over an existing client.
func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := t.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return t.client.Set(ctx, key, payload, ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, key).Err()
}

func (t *RedisTier) Increment(ctx context.Context, key string) (int64, error) {
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// Stale counters should not haunt a principal days later
	t.client.Expire(ctx, key, time.Hour)
	return n, nil
}

func (t *RedisTier) Reset(ctx context.Context, key string) error {
	return t.client.Del(ctx, key).Err()
}

func (t *RedisTier) Value(ctx context.Context, key string) (int64, error) {
	n, err := t.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return n, nil
}

// Ping checks backup tier connectivity for health checks.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// TieredCache layers the in-process tier over the redis tier. The
// primary answers most reads; the backup survives restarts and feeds
// the primary on fallback hits. All failures below the read/write
// surface are logged and absorbed; the cache never takes a resolution
// down with it.
type TieredCache struct {
	primary Tier
	backup  Tier
	counter FailureCounter
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewTieredCache creates the session cache. backup and counter may be
// nil; the cache then runs on the primary tier alone.
func NewTieredCache(primary Tier, backup Tier, counter FailureCounter, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *TieredCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TieredCache{
		primary: primary,
		backup:  backup,
		counter: counter,
		ttl:     ttl,
		logger:  logger.WithComponent("session-cache"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Write stores a session snapshot under key. A nil session writes an
// invalid entry, which reads as a miss. Failures are logged, never
// returned; the caller's transition must not depend on cache health.
func (c *TieredCache) Write(ctx context.Context, key string, session *Session) {
	entry := cacheEntry{
		Session:   session,
		WrittenAt: c.now().UnixMilli(),
		Valid:     session != nil,
	}

	payload, err := json.Marshal(&entry)
	if err != nil {
		c.metrics.CacheWritesTotal.WithLabelValues("error").Inc()
		c.logger.WithError(err).Error("Failed to serialize session cache entry")
		return
	}

	if err := c.primary.Set(ctx, key, payload, c.ttl); err != nil {
		c.metrics.CacheWritesTotal.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("Primary cache write failed")
	} else {
		c.metrics.CacheWritesTotal.WithLabelValues("ok").Inc()
	}

	if c.backup != nil {
		if err := c.backup.Set(ctx, key, payload, c.ttl); err != nil {
			c.logger.WithError(err).Warn("Backup cache write failed")
		}
	}
}

// Read returns the cached session for key, or nil on any miss. An
// entry past the TTL, marked invalid, or unreadable counts as a miss
// and both tiers are proactively cleared.
func (c *TieredCache) Read(ctx context.Context, key string) *Session {
	if session, _, ok := c.readTier(ctx, c.primary, key, "primary"); ok {
		return session
	}

	if c.backup != nil {
		if session, payload, ok := c.readTier(ctx, c.backup, key, "backup"); ok {
			// Refill the primary with the entry as written, so the
			// original WrittenAt keeps governing expiry. The backup
			// is left alone; only resolution writes cache entries.
			if session != nil {
				if err := c.primary.Set(ctx, key, payload, c.ttl); err != nil {
					c.logger.WithError(err).Warn("Primary cache refill failed")
				}
			}
			return session
		}
	}

	c.metrics.CacheMissesTotal.Inc()
	return nil
}

// readTier reads one tier, returning the session along with the raw
// entry payload. The bool reports whether the tier produced an
// authoritative answer; false means fall through.
func (c *TieredCache) readTier(ctx context.Context, tier Tier, key, name string) (*Session, []byte, bool) {
	payload, err := tier.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("tier", name).Warn("Cache read failed")
		return nil, nil, false
	}
	if payload == nil {
		return nil, nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		c.metrics.CacheCorruptionTotal.Inc()
		c.logger.WithError(err).WithField("tier", name).Warn("Discarding corrupt session cache entry")
		c.clear(ctx, key)
		return nil, nil, false
	}

	if !entry.Valid || entry.Session == nil || entry.expired(c.now(), c.ttl) {
		c.clear(ctx, key)
		return nil, nil, false
	}

	c.metrics.CacheHitsTotal.WithLabelValues(name).Inc()
	return entry.Session, payload, true
}

// Invalidate removes key from both tiers unconditionally.
func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	c.clear(ctx, key)
}

func (c *TieredCache) clear(ctx context.Context, key string) {
	if err := c.primary.Delete(ctx, key); err != nil {
		c.logger.WithError(err).Warn("Primary cache delete failed")
	}
	if c.backup != nil {
		if err := c.backup.Delete(ctx, key); err != nil {
			c.logger.WithError(err).Warn("Backup cache delete failed")
		}
	}
}

// RecordFailure bumps the consecutive-failure counter for key and
// returns the new count. Counter errors degrade to zero.
func (c *TieredCache) RecordFailure(ctx context.Context, key string) int64 {
	if c.counter == nil {
		return 0
	}
	n, err := c.counter.Increment(ctx, failureKey(key))
	if err != nil {
		c.logger.WithError(err).Warn("Failure counter increment failed")
		return 0
	}
	return n
}

// RecordSuccess resets the consecutive-failure counter for key.
func (c *TieredCache) RecordSuccess(ctx context.Context, key string) {
	if c.counter == nil {
		return
	}
	if err := c.counter.Reset(ctx, failureKey(key)); err != nil {
		c.logger.WithError(err).Warn("Failure counter reset failed")
	}
}

// Failures reads the consecutive-failure counter for key.
func (c *TieredCache) Failures(ctx context.Context, key string) int64 {
	if c.counter == nil {
		return 0
	}
	n, err := c.counter.Value(ctx, failureKey(key))
	if err != nil {
		c.logger.WithError(err).Warn("Failure counter read failed")
		return 0
	}
	return n
}

// CacheKey builds the canonical cache key for a principal.
func CacheKey(externalID string) string {
	return "mortar:session:" + externalID
}

func failureKey(sessionKey string) string {
	return sessionKey + ":failures"
}
