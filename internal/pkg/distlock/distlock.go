// Package distlock serializes variant regeneration across instances.
// Redis is the cross-host backend; without Redis a process-local table
// gives the same contract on a single node.
package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for advisory locking. A lock instance is
// for one acquire/release cycle from a single goroutine.
type DistLock interface {
	// Acquire tries to take the lock without blocking. True on success.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock creates a lock using the best available backend. With a nil
// Redis client the lock is process-local.
func NewLock(redisClient *redis.Client, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewLocalLock(key, ttl)
}

// localRegistry holds process-local lock state. Entries expire by TTL
// so a goroutine that dies mid-regeneration cannot wedge the key.
var localRegistry = struct {
	mu    sync.Mutex
	until map[string]time.Time
}{until: make(map[string]time.Time)}

// LocalLock implements DistLock within one process.
type LocalLock struct {
	key  string
	ttl  time.Duration
	held bool
}

// NewLocalLock creates a process-local lock for key.
func NewLocalLock(key string, ttl time.Duration) *LocalLock {
	return &LocalLock{key: key, ttl: ttl}
}

// Acquire takes the lock if it is free or its previous holder expired.
func (l *LocalLock) Acquire(ctx context.Context) (bool, error) {
	localRegistry.mu.Lock()
	defer localRegistry.mu.Unlock()

	now := time.Now()
	if until, ok := localRegistry.until[l.key]; ok && now.Before(until) {
		return false, nil
	}
	localRegistry.until[l.key] = now.Add(l.ttl)
	l.held = true
	return true, nil
}

// Release frees the lock if this instance acquired it.
func (l *LocalLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	localRegistry.mu.Lock()
	defer localRegistry.mu.Unlock()
	delete(localRegistry.until, l.key)
	l.held = false
	return nil
}
