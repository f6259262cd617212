// Package cachekit provides the short-lived, TTL-bounded caches the launch
// state machine needs but that do not belong in the durable Store: the nonce
// replay set (§4.3) and the per-platform JWKS HTTP response cache (§5).
package cachekit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceChecker records (iss, nonce) pairs for the replay check of §4.3.
// NonceSet is the default, in-process implementation; RedisNonceSet backs
// the same interface with a shared store for multi-instance deployments.
type NonceChecker interface {
	CheckAndStore(iss, nonce string) bool
	Close()
}

// NonceSet is a thread-safe set of recently seen (iss, nonce) pairs with
// TTL-based eviction, satisfying the nonce replay requirement of §4.3: no
// two successful validations within the token's max age may share a nonce.
type NonceSet struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	stopCh  chan struct{}
	closeOn sync.Once
}

// NewNonceSet returns a NonceSet whose entries expire after ttl. A background
// goroutine sweeps expired entries every ttl; callers must call Close when
// done to stop it.
func NewNonceSet(ttl time.Duration) *NonceSet {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	n := &NonceSet{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}

	go n.sweep()

	return n
}

// CheckAndStore reports whether (iss, nonce) has been seen within the TTL
// window. If not, it records it and returns true (nonce is fresh); if it has
// already been seen, it returns false without modifying the set (replay).
func (n *NonceSet) CheckAndStore(iss, nonce string) bool {
	key := iss + "\x00" + nonce

	n.mu.Lock()
	defer n.mu.Unlock()

	if expiry, ok := n.seen[key]; ok && time.Now().Before(expiry) {
		return false
	}

	n.seen[key] = time.Now().Add(n.ttl)

	return true
}

func (n *NonceSet) sweep() {
	ticker := time.NewTicker(n.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			n.mu.Lock()
			for k, expiry := range n.seen {
				if now.After(expiry) {
					delete(n.seen, k)
				}
			}
			n.mu.Unlock()
		}
	}
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (n *NonceSet) Close() {
	n.closeOn.Do(func() { close(n.stopCh) })
}

// JWKSCache memoizes a remote JWK_SET fetch by URL for a bounded TTL, so that
// steady per-request validation does not hit the platform's keyset endpoint
// on every launch (§5).
type JWKSCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

// NewJWKSCache returns a JWKSCache whose entries are considered fresh for ttl.
func NewJWKSCache(ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &JWKSCache{entries: make(map[string]cacheEntry), ttl: ttl}
}

// Get returns the cached value for url, if present and unexpired.
func (c *JWKSCache) Get(url string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[url]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}

	return e.value, true
}

// Set stores value for url, fresh for the cache's configured TTL.
func (c *JWKSCache) Set(url string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[url] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

// RedisNonceSet backs the nonce replay check with a shared redis instance,
// so the check works correctly when the tool runs as more than one
// process. Seen pairs are recorded with SETNX so concurrent instances
// racing on the same nonce agree on exactly one winner.
type RedisNonceSet struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisNonceSet returns a RedisNonceSet storing seen pairs in client,
// each expiring after ttl.
func NewRedisNonceSet(client *redis.Client, ttl time.Duration) *RedisNonceSet {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &RedisNonceSet{client: client, ttl: ttl}
}

// CheckAndStore reports whether (iss, nonce) is fresh, same contract as
// NonceSet.CheckAndStore.
func (n *RedisNonceSet) CheckAndStore(iss, nonce string) bool {
	key := "lti:nonce:" + iss + "\x00" + nonce

	ok, err := n.client.SetNX(context.Background(), key, 1, n.ttl).Result()
	if err != nil {
		// Fail open would let a replayed token through; fail closed instead,
		// treating a broken nonce store as a reason to reject the launch.
		return false
	}

	return ok
}

// Close releases the underlying redis client.
func (n *RedisNonceSet) Close() {
	_ = n.client.Close()
}

// Fetch returns the cached value for url, calling load and caching its
// result on a miss. load failures are never cached.
func (c *JWKSCache) Fetch(ctx context.Context, url string, load func(context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(url); ok {
		return v, nil
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}

	c.Set(url, v)

	return v, nil
}
