package inmemory

import (
	"container/heap"
	"context"
	log "log/slog"
	"time"

	"github.com/sharedcode/treelock"
)

type lockManager struct {
	session *Session
}

// Lock grants a lock on path. The key is taken in the lock table right away; the lock metadata
// goes through the session's transactional write path, so a rollback undoes both.
func (lm *lockManager) Lock(ctx context.Context, path string, isDeep, isSessionScoped bool, ttl time.Duration, ownerInfo string) (treelock.Lock, error) {
	s := lm.session
	if err := s.member.checkAvailable(); err != nil {
		return treelock.Lock{}, err
	}
	if ttl <= 0 {
		return treelock.Lock{}, treelock.NewError(treelock.InvalidConfiguration, ttl.String(), "lock TTL must be positive, got %v", ttl)
	}
	n, err := s.GetNode(ctx, path)
	if err != nil {
		return treelock.Lock{}, err
	}
	if !n.HasMixin(treelock.MixinLockable) {
		return treelock.Lock{}, treelock.NewError(treelock.InvalidState, path, "node %s is not lockable", path)
	}

	c := s.cluster()
	keys := c.cache.CreateLockKeys([]string{path})
	deadline := treelock.Now().Add(c.opts.LockWaitTimeout)
	var e *lockEntry
	for {
		if e, err = c.tryLock(ctx, s.id, path, keys, isDeep, isSessionScoped, ttl, ownerInfo); err != nil {
			return treelock.Lock{}, err
		}
		if e != nil {
			break
		}
		if !treelock.Now().Before(deadline) {
			return treelock.Lock{}, treelock.NewError(treelock.LockUnavailable, path, "node %s is locked", path)
		}
		if err := ctx.Err(); err != nil {
			return treelock.Lock{}, err
		}
		treelock.RandomSleepWithUnit(ctx, c.opts.LockPollUnit)
	}

	meta := change{kind: lockMeta, sessionID: s.id, path: path, value: ownerInfo, token: e.lock.Token, isDeep: isDeep}
	if err := c.write(ctx, []change{meta}); err != nil {
		c.mu.Lock()
		c.dropLockLocked(ctx, e)
		c.mu.Unlock()
		return treelock.Lock{}, err
	}
	s.rememberLock(path, e.lock.Token)
	log.Debug("lock granted", "path", path, "session", s.id, "token", e.lock.Token, "ttl", ttl)
	return e.lock, nil
}

// tryLock returns nil with no error while the lock is held by someone else.
func (c *Cluster) tryLock(ctx context.Context, sessionID treelock.UUID, path string, keys []*treelock.LockKey,
	isDeep, isSessionScoped bool, ttl time.Duration, ownerInfo string) (*lockEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocksLocked(ctx)

	if e, ok := c.liveLock(path); ok {
		if e.sessionID == sessionID {
			return nil, treelock.NewError(treelock.LockUnavailable, path, "node %s is already locked by this session", path)
		}
		return nil, nil
	}
	if c.lockedByOther(path, sessionID) {
		return nil, nil
	}
	if n, ok := c.nodes.Get(path); ok && n.hasLockResidue() {
		// Metadata without a live lock: either an unlock still committing, or residue.
		return nil, nil
	}
	ok, owner, err := c.cache.Lock(ctx, ttl, keys)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debug("lock key held in lock table", "path", path, "owner", owner)
		return nil, nil
	}
	now := treelock.Now()
	e := &lockEntry{
		lock: treelock.Lock{
			Path:            path,
			Token:           keys[0].LockID,
			Owner:           ownerInfo,
			IsDeep:          isDeep,
			IsSessionScoped: isSessionScoped,
			TTL:             ttl,
			ExpiresAt:       now.Add(ttl),
		},
		sessionID: sessionID,
		keys:      keys,
	}
	c.locks[path] = e
	heap.Push(&c.expirations, e)
	return e, nil
}

// Unlock removes the lock metadata through the transactional write path and gives the key back
// once that write lands: at once without a transaction, at commit within one. A rolled back or
// aborted unlock still gives the key back, leaving the metadata behind as residue.
//
// A session whose lock expired gets LockExpired, also when another session has locked the node
// since.
func (lm *lockManager) Unlock(ctx context.Context, path string) error {
	s := lm.session
	if err := s.member.checkAvailable(); err != nil {
		return err
	}
	token, held := s.heldLock(path)
	c := s.cluster()
	c.mu.Lock()
	c.expireLocksLocked(ctx)
	e, ok := c.liveLock(path)
	if ok && e.sessionID == s.id {
		lost, err := c.keyLostLocked(ctx, e)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		ok = !lost
	}
	if !ok {
		residue := false
		if n, found := c.nodes.Get(path); found {
			residue = n.hasLockResidue()
		}
		c.mu.Unlock()
		s.forgetLock(path)
		if residue {
			return treelock.NewError(treelock.CorruptedResource, path, "node %s carries lock metadata but is not locked", path)
		}
		return treelock.NewError(treelock.LockExpired, path, "node %s is not locked, the lock expired or was never taken", path)
	}
	if e.sessionID != s.id {
		c.mu.Unlock()
		if held && token != e.lock.Token {
			s.forgetLock(path)
			return treelock.NewError(treelock.LockExpired, path, "lock on %s expired and the node was locked again by another session", path)
		}
		return treelock.NewError(treelock.LockUnavailable, path, "node %s is locked by another session", path)
	}
	c.mu.Unlock()

	s.forgetLock(path)
	meta := change{kind: unlockMeta, sessionID: s.id, path: path, token: e.lock.Token}
	if err := c.write(ctx, []change{meta}); err != nil {
		c.mu.Lock()
		c.dropLockLocked(ctx, e)
		c.mu.Unlock()
		log.Warn("lock released but its metadata could not be removed", "path", path, "error", err)
		return err
	}
	log.Debug("lock released", "path", path, "session", s.id)
	return nil
}

// IsLocked confirms a live lock with the lock table, so a key the table lost reads as unlocked.
func (lm *lockManager) IsLocked(ctx context.Context, path string) (bool, error) {
	c := lm.session.cluster()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocksLocked(ctx)
	e, ok := c.liveLock(path)
	if !ok {
		return false, nil
	}
	lost, err := c.keyLostLocked(ctx, e)
	if err != nil {
		return false, err
	}
	return !lost, nil
}
