package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/treelock"
)

type item struct {
	data       string
	expiration time.Time
}

func (it item) expired(now time.Time) bool {
	return !it.expiration.IsZero() && !now.Before(it.expiration)
}

// InMemoryCache is the Standalone lock table. Lock keys carry a TTL and disappear on their
// own once it elapses.
type InMemoryCache struct {
	mu    sync.Mutex
	items map[string]item
}

// NewInMemoryCache returns an empty lock table.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]item),
	}
}

func init() {
	treelock.RegisterCacheFactory(treelock.Standalone, func(treelock.Config) (treelock.Cache, error) {
		return NewInMemoryCache(), nil
	})
}

// get returns a live item; expired ones are dropped. Callers hold c.mu.
func (c *InMemoryCache) get(key string) (item, bool) {
	it, ok := c.items[key]
	if !ok {
		return item{}, false
	}
	if it.expired(treelock.Now()) {
		delete(c.items, key)
		return item{}, false
	}
	return it, true
}

func (c *InMemoryCache) set(key, value string, expiration time.Duration) {
	var exp time.Time
	if expiration > 0 {
		exp = treelock.Now().Add(expiration)
	}
	c.items[key] = item{data: value, expiration: exp}
}

func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Locking implementation

func (c *InMemoryCache) FormatLockKey(k string) string {
	return fmt.Sprintf("lock:%s", k)
}

func (c *InMemoryCache) CreateLockKeys(keys []string) []*treelock.LockKey {
	locks := make([]*treelock.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &treelock.LockKey{
			Key:    c.FormatLockKey(k),
			LockID: treelock.NewUUID(),
		}
	}
	return locks
}

// Lock is all-or-nothing: keys acquired by this call are given back when a later key is
// owned by someone else.
func (c *InMemoryCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*treelock.LockKey) (bool, treelock.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var acquired []*treelock.LockKey
	for _, lk := range lockKeys {
		if it, ok := c.get(lk.Key); ok {
			if it.data == lk.LockID.String() {
				lk.IsLockOwner = true
				continue
			}
			for _, a := range acquired {
				delete(c.items, a.Key)
				a.IsLockOwner = false
			}
			owner, _ := treelock.ParseUUID(it.data)
			return false, owner, nil
		}
		c.set(lk.Key, lk.LockID.String(), duration)
		lk.IsLockOwner = true
		acquired = append(acquired, lk)
	}
	return true, treelock.NilUUID, nil
}

func (c *InMemoryCache) IsLocked(ctx context.Context, lockKeys []*treelock.LockKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := true
	for _, lk := range lockKeys {
		it, ok := c.get(lk.Key)
		if !ok || it.data != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

// Unlock deletes only keys still holding the caller's lock ID.
func (c *InMemoryCache) Unlock(ctx context.Context, lockKeys []*treelock.LockKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if it, ok := c.get(lk.Key); ok && it.data == lk.LockID.String() {
			delete(c.items, lk.Key)
		}
		lk.IsLockOwner = false
	}
	return nil
}
