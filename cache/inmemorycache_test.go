package cache

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/treelock"
)

func TestInMemoryCache_BasicOperations(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	keys := c.CreateLockKeys([]string{"/a", "/b"})
	if len(keys) != 2 || keys[0].Key != "lock:/a" || keys[0].LockID == keys[1].LockID {
		t.Fatalf("unexpected lock keys %+v", keys)
	}
	if ok, _, err := c.Lock(ctx, time.Minute, keys); err != nil || !ok {
		t.Fatalf("Lock returned ok=%v err=%v", ok, err)
	}
	if locked, err := c.IsLocked(ctx, keys); err != nil || !locked {
		t.Fatalf("IsLocked returned %v, %v", locked, err)
	}
	if err := c.Unlock(ctx, keys); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if locked, _ := c.IsLocked(ctx, keys); locked {
		t.Errorf("keys still locked after Unlock")
	}
	if keys[0].IsLockOwner || keys[1].IsLockOwner {
		t.Errorf("IsLockOwner should be reset by Unlock")
	}
}

func TestInMemoryCache_RelockBySameOwner(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	keys := c.CreateLockKeys([]string{"/same"})
	if ok, _, _ := c.Lock(ctx, time.Minute, keys); !ok {
		t.Fatalf("first lock failed")
	}
	if ok, _, err := c.Lock(ctx, time.Minute, keys); err != nil || !ok {
		t.Fatalf("owner should be able to lock again, ok=%v err=%v", ok, err)
	}
}

func TestInMemoryCache_LockingContention(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	lockKeys1 := c.CreateLockKeys([]string{"/parent"})
	lockKeys2 := c.CreateLockKeys([]string{"/parent"})

	ok, _, err := c.Lock(ctx, time.Minute, lockKeys1)
	if err != nil || !ok {
		t.Fatalf("Client 1 failed to acquire lock, ok=%v err=%v", ok, err)
	}

	ok, owner, err := c.Lock(ctx, time.Minute, lockKeys2)
	if err != nil {
		t.Fatalf("Client 2 Lock failed: %v", err)
	}
	if ok {
		t.Fatalf("Client 2 acquired lock while held by Client 1")
	}
	if owner != lockKeys1[0].LockID {
		t.Errorf("expected owner %v, got %v", lockKeys1[0].LockID, owner)
	}

	// Client 2 does not own the key, its unlock must be a no-op.
	if err := c.Unlock(ctx, lockKeys2); err != nil {
		t.Fatalf("Client 2 Unlock failed: %v", err)
	}
	if locked, _ := c.IsLocked(ctx, lockKeys1); !locked {
		t.Fatalf("Client 1 lost its lock after a foreign unlock")
	}

	if err := c.Unlock(ctx, lockKeys1); err != nil {
		t.Fatalf("Client 1 Unlock failed: %v", err)
	}
	ok, _, err = c.Lock(ctx, time.Minute, lockKeys2)
	if err != nil || !ok {
		t.Errorf("Client 2 failed to acquire lock after release, ok=%v err=%v", ok, err)
	}
}

func TestInMemoryCache_LockingExpiration(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	lockKeys := c.CreateLockKeys([]string{"/expiring"})
	if ok, _, err := c.Lock(ctx, 50*time.Millisecond, lockKeys); err != nil || !ok {
		t.Fatalf("Failed to acquire lock, ok=%v err=%v", ok, err)
	}
	if locked, _ := c.IsLocked(ctx, lockKeys); !locked {
		t.Errorf("IsLocked returned false immediately after lock")
	}

	time.Sleep(100 * time.Millisecond)

	if locked, _ := c.IsLocked(ctx, lockKeys); locked {
		t.Errorf("IsLocked returned true after expiration")
	}
	other := c.CreateLockKeys([]string{"/expiring"})
	if ok, _, err := c.Lock(ctx, time.Minute, other); err != nil || !ok {
		t.Errorf("lock not granted after expiry, ok=%v err=%v", ok, err)
	}
}

func TestInMemoryCache_LockIsAllOrNothing(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	held := c.CreateLockKeys([]string{"b"})
	if ok, _, _ := c.Lock(ctx, time.Minute, held); !ok {
		t.Fatalf("setup lock failed")
	}
	both := c.CreateLockKeys([]string{"a", "b"})
	if ok, _, _ := c.Lock(ctx, time.Minute, both); ok {
		t.Fatalf("expected partial lock attempt to fail")
	}
	if both[0].IsLockOwner {
		t.Errorf("IsLockOwner should be reset on rollback")
	}
	if ok, _, _ := c.Lock(ctx, time.Minute, c.CreateLockKeys([]string{"a"})); !ok {
		t.Errorf("key 'a' should have been given back")
	}
	if locked, _ := c.IsLocked(ctx, held); !locked {
		t.Errorf("key 'b' should still be held by its owner")
	}
}

func TestNewCache_StandaloneFactory(t *testing.T) {
	cfg := treelock.DefaultConfig()
	c, err := treelock.NewCache(cfg)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	if _, ok := c.(*InMemoryCache); !ok {
		t.Fatalf("expected *InMemoryCache, got %T", c)
	}
}
