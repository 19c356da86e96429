package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive per-product ownership for the length of a cycle.
// TryAcquire never blocks; a product held by another owner is skipped.
type Locker interface {
	TryAcquire(ctx context.Context, productID, owner string) (bool, error)
	Release(ctx context.Context, productID, owner string) error
}

// ProductLocks is the in-process Locker.
type ProductLocks struct {
	mu   sync.Mutex
	held map[string]string
}

func NewProductLocks() *ProductLocks {
	return &ProductLocks{held: make(map[string]string)}
}

func (l *ProductLocks) TryAcquire(ctx context.Context, productID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[productID]; ok {
		return cur == owner, nil
	}
	l.held[productID] = owner
	return true, nil
}

func (l *ProductLocks) Release(ctx context.Context, productID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[productID] == owner {
		delete(l.held, productID)
	}
	return nil
}

// Held reports how many products are currently locked.
func (l *ProductLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

const defaultLockPrefix = "dealwatch:lock:"

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocks shares product locks between worker processes. Keys expire
// after ttl so a crashed worker cannot hold a product forever.
type RedisLocks struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLocks(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocks {
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocks{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *RedisLocks) TryAcquire(ctx context.Context, productID, owner string) (bool, error) {
	key := l.prefix + productID
	ok, err := l.rdb.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", productID, err)
	}
	if ok {
		return true, nil
	}
	cur, err := l.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", productID, err)
	}
	return cur == owner, nil
}

func (l *RedisLocks) Release(ctx context.Context, productID, owner string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + productID}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("unlock %s: %w", productID, err)
	}
	return nil
}
