package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultCacheSize   = 512
	DefaultCacheGrace  = 5 * time.Minute
	revalidateInterval = 2 * time.Second
)

type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHit
	CacheStale
)

func (status CacheStatus) String() string {
	switch status {
	case CacheHit:
		return "hit"
	case CacheStale:
		return "stale"
	}
	return "miss"
}

type cacheEntry struct {
	value       interface{}
	writtenAt   time.Time
	ttl         time.Duration
	staleUntil  time.Time
	accessCount uint64
	lastAccess  time.Time
}

type sharedEnvelope struct {
	Payload   json.RawMessage `json:"p"`
	WrittenAt time.Time       `json:"w"`
	TTLMs     int64           `json:"t"`
}

// NewSharedClient connects to the optional shared backing store. A nil return
// means the store runs local-only; that is a degraded mode, not an error, and
// is reported once at startup.
func NewSharedClient(addr string) *redis.Client {
	if len(addr) == 0 {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		dlog.Warnf("Shared store [%s] unreachable, falling back to local-only operation: %v", addr, err)
		client.Close()
		return nil
	}
	dlog.Noticef("Connected to shared store [%s]", addr)
	return client
}

// CacheStore is a two-tier cache: a bounded local LRU tier in front of an
// optional shared tier. Entries are served fresh until their TTL, then served
// stale inside a fixed grace window while a single background revalidation is
// scheduled, then dropped.
type CacheStore struct {
	sync.Mutex
	local       *lru.Cache
	shared      *redis.Client
	grace       time.Duration
	keyPrefix   string
	revalidate  func(key string)
	pending     map[string]struct{}
	quit        chan struct{}
	stopOnce    sync.Once
	hits        uint64
	staleHits   uint64
	misses      uint64
}

func NewCacheStore(size int, grace time.Duration, shared *redis.Client) (*CacheStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if grace <= 0 {
		grace = DefaultCacheGrace
	}
	local, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	store := &CacheStore{
		local:     local,
		shared:    shared,
		grace:     grace,
		keyPrefix: "omq:cache:",
		pending:   make(map[string]struct{}),
		quit:      make(chan struct{}),
	}
	go store.revalidationLoop()
	return store, nil
}

// SetRevalidator registers the callback invoked for keys that were served
// stale. At most one revalidation per key is scheduled per sweep.
func (store *CacheStore) SetRevalidator(revalidate func(key string)) {
	store.Lock()
	store.revalidate = revalidate
	store.Unlock()
}

func (store *CacheStore) Stop() {
	store.stopOnce.Do(func() { close(store.quit) })
}

// Get returns the cached value for key along with its freshness. When the
// local tier misses, the shared tier is consulted and dest (a pointer to the
// expected type) receives the decoded value; the local tier is repopulated on
// the way out.
func (store *CacheStore) Get(ctx context.Context, key string, dest interface{}) (interface{}, CacheStatus) {
	now := time.Now()
	if cached, found := store.local.Get(key); found {
		entry := cached.(*cacheEntry)
		store.Lock()
		entry.accessCount++
		entry.lastAccess = now
		store.Unlock()
		freshUntil := entry.writtenAt.Add(entry.ttl)
		if now.Before(freshUntil) {
			store.Lock()
			store.hits++
			store.Unlock()
			return entry.value, CacheHit
		}
		if now.Before(entry.staleUntil) {
			store.enqueueRevalidation(key)
			store.Lock()
			store.staleHits++
			store.Unlock()
			return entry.value, CacheStale
		}
		store.local.Remove(key)
	}

	if store.shared != nil && dest != nil {
		if value, status := store.sharedGet(ctx, key, dest, now); status != CacheMiss {
			return value, status
		}
	}
	store.Lock()
	store.misses++
	store.Unlock()
	return nil, CacheMiss
}

func (store *CacheStore) sharedGet(ctx context.Context, key string, dest interface{}, now time.Time) (interface{}, CacheStatus) {
	raw, err := store.shared.Get(ctx, store.keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			dlog.Debugf("Shared cache read failed for [%s]: %v", key, err)
		}
		return nil, CacheMiss
	}
	var envelope sharedEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, CacheMiss
	}
	if err := json.Unmarshal(envelope.Payload, dest); err != nil {
		return nil, CacheMiss
	}
	ttl := time.Duration(envelope.TTLMs) * time.Millisecond
	staleUntil := envelope.WrittenAt.Add(ttl + store.grace)
	if !now.Before(staleUntil) {
		return nil, CacheMiss
	}
	store.local.Add(key, &cacheEntry{
		value:       dest,
		writtenAt:   envelope.WrittenAt,
		ttl:         ttl,
		staleUntil:  staleUntil,
		accessCount: 1,
		lastAccess:  now,
	})
	if now.Before(envelope.WrittenAt.Add(ttl)) {
		return dest, CacheHit
	}
	store.enqueueRevalidation(key)
	return dest, CacheStale
}

// Set writes the value to both tiers. The shared tier keeps the entry alive
// for the full TTL plus the grace window so another instance can still serve
// it stale.
func (store *CacheStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	now := time.Now()
	store.local.Add(key, &cacheEntry{
		value:      value,
		writtenAt:  now,
		ttl:        ttl,
		staleUntil: now.Add(ttl + store.grace),
		lastAccess: now,
	})
	if store.shared == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	envelope, err := json.Marshal(sharedEnvelope{Payload: payload, WrittenAt: now, TTLMs: ttl.Milliseconds()})
	if err != nil {
		return
	}
	if err := store.shared.Set(ctx, store.keyPrefix+key, envelope, ttl+store.grace).Err(); err != nil {
		dlog.Debugf("Shared cache write failed for [%s]: %v", key, err)
	}
}

func (store *CacheStore) Invalidate(ctx context.Context, key string) {
	store.local.Remove(key)
	if store.shared != nil {
		store.shared.Del(ctx, store.keyPrefix+key)
	}
}

// InvalidatePattern removes every key containing the substring from both
// tiers.
func (store *CacheStore) InvalidatePattern(ctx context.Context, pattern string) {
	for _, rawKey := range store.local.Keys() {
		key := rawKey.(string)
		if strings.Contains(key, pattern) {
			store.local.Remove(key)
		}
	}
	if store.shared == nil {
		return
	}
	iter := store.shared.Scan(ctx, 0, store.keyPrefix+"*"+pattern+"*", 256).Iterator()
	for iter.Next(ctx) {
		store.shared.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		dlog.Debugf("Shared cache scan failed for [%s]: %v", pattern, err)
	}
}

// Stats returns hit/stale/miss counters since startup.
func (store *CacheStore) Stats() (hits, staleHits, misses uint64) {
	store.Lock()
	defer store.Unlock()
	return store.hits, store.staleHits, store.misses
}

func (store *CacheStore) enqueueRevalidation(key string) {
	store.Lock()
	store.pending[key] = struct{}{}
	store.Unlock()
}

func (store *CacheStore) revalidationLoop() {
	for {
		select {
		case <-store.quit:
			return
		default:
		}
		store.Lock()
		revalidate := store.revalidate
		batch := make([]string, 0, len(store.pending))
		for key := range store.pending {
			batch = append(batch, key)
			delete(store.pending, key)
		}
		store.Unlock()
		if revalidate != nil {
			for _, key := range batch {
				revalidate(key)
			}
		}
		clocksmith.Sleep(revalidateInterval)
	}
}
