package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/treelock"
)

// unlockScript deletes the key only while it still holds the caller's lock ID.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock acquires every key with SETNX for duration. When a key is owned by someone else the keys
// taken by this call are given back, and false plus the owner's ID is returned.
func (c *Client) Lock(ctx context.Context, duration time.Duration, lockKeys []*treelock.LockKey) (bool, treelock.UUID, error) {
	if err := c.ready(); err != nil {
		return false, treelock.NilUUID, err
	}
	var acquired []*treelock.LockKey
	giveBack := func() {
		for _, a := range acquired {
			unlockScript.Run(ctx, c.conn.Client, []string{a.Key}, a.LockID.String())
			a.IsLockOwner = false
		}
	}
	for _, lk := range lockKeys {
		ok, err := c.conn.Client.SetNX(ctx, lk.Key, lk.LockID.String(), duration).Result()
		if err != nil {
			giveBack()
			return false, treelock.NilUUID, transportError("setnx", err)
		}
		if ok {
			lk.IsLockOwner = true
			acquired = append(acquired, lk)
			continue
		}
		found, owner, err := c.get(ctx, lk.Key)
		if err != nil {
			giveBack()
			return false, treelock.NilUUID, err
		}
		if found && owner == lk.LockID.String() {
			lk.IsLockOwner = true
			continue
		}
		giveBack()
		id, _ := treelock.ParseUUID(owner)
		return false, id, nil
	}
	return true, treelock.NilUUID, nil
}

// IsLocked reports whether all keys still hold the caller's lock IDs.
func (c *Client) IsLocked(ctx context.Context, lockKeys []*treelock.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		found, readItem, err := c.get(ctx, lk.Key)
		if !found || err != nil || readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			if err != nil {
				lastErr = err
			}
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Unlock deletes the keys the caller owns. Keys re-taken by someone else after expiry are left alone.
func (c *Client) Unlock(ctx context.Context, lockKeys []*treelock.LockKey) error {
	if err := c.ready(); err != nil {
		return err
	}
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if err := unlockScript.Run(ctx, c.conn.Client, []string{lk.Key}, lk.LockID.String()).Err(); err != nil && err != redis.Nil {
			lastErr = transportError("unlock", err)
			continue
		}
		lk.IsLockOwner = false
	}
	return lastErr
}

// CreateLockKeys builds lock keys with fresh lock IDs.
func (c *Client) CreateLockKeys(keys []string) []*treelock.LockKey {
	lockKeys := make([]*treelock.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &treelock.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    c.FormatLockKey(keys[i]),
			LockID: treelock.NewUUID(),
		}
	}
	return lockKeys
}

// FormatLockKey prefixes the key with 'L'.
func (c *Client) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
