package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
	"github.com/redis/go-redis/v9"
)

type LimitScope string

const (
	ScopeServer    LimitScope = "server"
	ScopeUser      LimitScope = "user"
	ScopeGuild     LimitScope = "guild"
	ScopeManual    LimitScope = "manual"
	ScopeAddServer LimitScope = "add_server"
)

// ScopeConfig is a windowed points budget: Points may be consumed per Window,
// and exhausting the budget additionally blocks the identifier for BlockFor.
type ScopeConfig struct {
	Points   int
	Window   time.Duration
	BlockFor time.Duration
}

func defaultScopeConfigs() map[LimitScope]ScopeConfig {
	return map[LimitScope]ScopeConfig{
		ScopeServer:    {Points: 30, Window: time.Minute, BlockFor: 2 * time.Minute},
		ScopeUser:      {Points: 100, Window: time.Hour, BlockFor: 10 * time.Minute},
		ScopeGuild:     {Points: 300, Window: time.Hour, BlockFor: 10 * time.Minute},
		ScopeManual:    {Points: 10, Window: time.Minute, BlockFor: 0},
		ScopeAddServer: {Points: 5, Window: time.Hour, BlockFor: time.Hour},
	}
}

type LimitResult struct {
	Allowed    bool
	Scope      LimitScope
	Remaining  int
	RetryAfter time.Duration
	ResetAfter time.Duration
}

type LimitCheck struct {
	Scope      LimitScope
	Identifier string
	Points     int
}

type MultiLimitResult struct {
	Allowed     bool
	FailedScope LimitScope
	RetryAfter  time.Duration
}

// limitStore holds bucket state. The remote implementation keeps limits
// consistent across instances and restarts; the memory implementation is the
// transparent fallback. One of the two is chosen at construction.
type limitStore interface {
	consume(ctx context.Context, key string, points int, cfg ScopeConfig) (LimitResult, error)
}

type memoryBucket struct {
	windowStart  time.Time
	consumed     int
	blockedUntil time.Time
}

type memoryLimitStore struct {
	sync.Mutex
	buckets map[string]*memoryBucket
}

func newMemoryLimitStore() *memoryLimitStore {
	return &memoryLimitStore{buckets: make(map[string]*memoryBucket)}
}

func (store *memoryLimitStore) consume(_ context.Context, key string, points int, cfg ScopeConfig) (LimitResult, error) {
	now := time.Now()
	store.Lock()
	defer store.Unlock()
	bucket, found := store.buckets[key]
	if !found {
		bucket = &memoryBucket{windowStart: now}
		store.buckets[key] = bucket
	}
	if now.Before(bucket.blockedUntil) {
		return LimitResult{Allowed: false, RetryAfter: bucket.blockedUntil.Sub(now)}, nil
	}
	if now.Sub(bucket.windowStart) >= cfg.Window {
		bucket.windowStart = now
		bucket.consumed = 0
	}
	resetAfter := bucket.windowStart.Add(cfg.Window).Sub(now)
	if bucket.consumed+points > cfg.Points {
		retryAfter := resetAfter
		if cfg.BlockFor > 0 {
			bucket.blockedUntil = now.Add(cfg.BlockFor)
			if cfg.BlockFor > retryAfter {
				retryAfter = cfg.BlockFor
			}
		}
		return LimitResult{Allowed: false, RetryAfter: retryAfter, ResetAfter: resetAfter}, nil
	}
	bucket.consumed += points
	return LimitResult{Allowed: true, Remaining: cfg.Points - bucket.consumed, ResetAfter: resetAfter}, nil
}

// cleanup drops buckets whose window and block have both long expired.
func (store *memoryLimitStore) cleanup() {
	now := time.Now()
	store.Lock()
	defer store.Unlock()
	for key, bucket := range store.buckets {
		if now.Sub(bucket.windowStart) > 2*time.Hour && now.After(bucket.blockedUntil) {
			delete(store.buckets, key)
		}
	}
}

type redisLimitStore struct {
	client *redis.Client
	prefix string
}

func newRedisLimitStore(client *redis.Client) *redisLimitStore {
	return &redisLimitStore{client: client, prefix: "omq:rl:"}
}

func (store *redisLimitStore) consume(ctx context.Context, key string, points int, cfg ScopeConfig) (LimitResult, error) {
	counterKey := store.prefix + key
	blockKey := counterKey + ":block"

	blockTTL, err := store.client.PTTL(ctx, blockKey).Result()
	if err != nil {
		return LimitResult{}, err
	}
	if blockTTL > 0 {
		return LimitResult{Allowed: false, RetryAfter: blockTTL}, nil
	}

	consumed, err := store.client.IncrBy(ctx, counterKey, int64(points)).Result()
	if err != nil {
		return LimitResult{}, err
	}
	if consumed == int64(points) {
		store.client.PExpire(ctx, counterKey, cfg.Window)
	}
	resetAfter, err := store.client.PTTL(ctx, counterKey).Result()
	if err != nil || resetAfter < 0 {
		resetAfter = cfg.Window
	}
	if consumed > int64(cfg.Points) {
		retryAfter := resetAfter
		if cfg.BlockFor > 0 {
			store.client.Set(ctx, blockKey, 1, cfg.BlockFor)
			if cfg.BlockFor > retryAfter {
				retryAfter = cfg.BlockFor
			}
		}
		return LimitResult{Allowed: false, RetryAfter: retryAfter, ResetAfter: resetAfter}, nil
	}
	return LimitResult{Allowed: true, Remaining: cfg.Points - int(consumed), ResetAfter: resetAfter}, nil
}

// RateLimiter enforces independent quota buckets per (scope, identifier).
type RateLimiter struct {
	store   limitStore
	memory  *memoryLimitStore
	configs map[LimitScope]ScopeConfig
}

// NewRateLimiter builds a limiter backed by the shared store when one is
// available, and by process-local buckets otherwise.
func NewRateLimiter(shared *redis.Client, configs map[LimitScope]ScopeConfig) *RateLimiter {
	if configs == nil {
		configs = defaultScopeConfigs()
	}
	limiter := &RateLimiter{memory: newMemoryLimitStore(), configs: configs}
	if shared != nil {
		limiter.store = newRedisLimitStore(shared)
	} else {
		limiter.store = limiter.memory
	}
	return limiter
}

// CheckLimit attempts to consume points from the (scope, identifier) bucket.
// A store failure is logged and fails open: rate limiting protects against
// abuse, it must not take the service down with the backend.
func (limiter *RateLimiter) CheckLimit(ctx context.Context, scope LimitScope, identifier string, points int) LimitResult {
	cfg, found := limiter.configs[scope]
	if !found {
		return LimitResult{Allowed: true, Scope: scope}
	}
	key := string(scope) + ":" + identifier
	result, err := limiter.store.consume(ctx, key, points, cfg)
	if err != nil {
		dlog.Warnf("Rate-limit store error for [%s]: %v", key, err)
		return LimitResult{Allowed: true, Scope: scope}
	}
	result.Scope = scope
	return result
}

// CheckMultipleLimits evaluates several scope checks; the overall result is
// allowed only if every check passes. On failure it reports the first failing
// scope and the maximum retry-after among all failing checks.
func (limiter *RateLimiter) CheckMultipleLimits(ctx context.Context, checks []LimitCheck) MultiLimitResult {
	overall := MultiLimitResult{Allowed: true}
	for _, chk := range checks {
		result := limiter.CheckLimit(ctx, chk.Scope, chk.Identifier, chk.Points)
		if result.Allowed {
			continue
		}
		if overall.Allowed {
			overall.Allowed = false
			overall.FailedScope = chk.Scope
		}
		if result.RetryAfter > overall.RetryAfter {
			overall.RetryAfter = result.RetryAfter
		}
	}
	return overall
}

// Cleanup prunes idle local buckets. Remote buckets expire on their own.
func (limiter *RateLimiter) Cleanup() {
	limiter.memory.cleanup()
}
