// Package ratelimit throttles repeated failures per client.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond is the refill rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// BurstSize is the maximum burst size.
	BurstSize int `yaml:"burst_size" json:"burst_size"`
}

// Enabled reports whether the config describes an active limiter.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.BurstSize > 0
}

// KeyedLimiter keeps one token bucket per key.
type KeyedLimiter struct {
	config   Config
	idle     time.Duration
	limiters map[string]*TokenBucket
	mu       sync.Mutex
	cleanup  *time.Ticker
	done     chan struct{}
	once     sync.Once
}

// NewKeyedLimiter creates a keyed limiter. Buckets untouched for longer than
// the time it takes to refill completely are evicted.
func NewKeyedLimiter(cfg Config) *KeyedLimiter {
	idle := time.Minute
	if cfg.RequestsPerSecond > 0 {
		if full := time.Duration(float64(cfg.BurstSize) / cfg.RequestsPerSecond * float64(time.Second)); full > idle {
			idle = full
		}
	}
	kl := &KeyedLimiter{
		config:   cfg,
		idle:     idle,
		limiters: make(map[string]*TokenBucket),
		cleanup:  time.NewTicker(idle),
		done:     make(chan struct{}),
	}

	go kl.cleanupLoop()

	return kl
}

func (kl *KeyedLimiter) bucket(key string, create bool) *TokenBucket {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	tb, ok := kl.limiters[key]
	if !ok && create {
		tb = NewTokenBucket(kl.config.RequestsPerSecond, kl.config.BurstSize)
		kl.limiters[key] = tb
	}
	return tb
}

// Allow consumes one token for key.
func (kl *KeyedLimiter) Allow(key string) bool {
	return kl.bucket(key, true).Allow()
}

// Blocked reports whether key has no token left, without consuming one.
// Keys never seen are not blocked.
func (kl *KeyedLimiter) Blocked(key string) bool {
	tb := kl.bucket(key, false)
	return tb != nil && tb.Tokens() < 1
}

// Reset forgets key, typically after a success.
func (kl *KeyedLimiter) Reset(key string) {
	kl.mu.Lock()
	delete(kl.limiters, key)
	kl.mu.Unlock()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiter) cleanupLoop() {
	for {
		select {
		case <-kl.cleanup.C:
			kl.evictIdle(time.Now())
		case <-kl.done:
			return
		}
	}
}

func (kl *KeyedLimiter) evictIdle(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, tb := range kl.limiters {
		if now.Sub(tb.LastAccess()) > kl.idle {
			delete(kl.limiters, key)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.once.Do(func() {
		close(kl.done)
		kl.cleanup.Stop()
	})
}
