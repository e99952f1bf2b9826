// Package locking acquires and releases path-scoped node locks and detects nodes left with lock
// residue.
package locking

import (
	"context"
	log "log/slog"
	"time"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/transaction"
)

// Coordinator takes shallow, open-scoped locks. Every store call runs in a transaction of its
// own, detached from the caller's.
type Coordinator struct {
	txns *transaction.Coordinator
	cfg  treelock.Config
}

// NewCoordinator uses cfg.LockTTL as the default TTL and cfg.UnlockTimeout to bound
// ReleaseOffThread.
func NewCoordinator(txns *transaction.Coordinator, cfg treelock.Config) *Coordinator {
	return &Coordinator{
		txns: txns,
		cfg:  cfg,
	}
}

// Acquire locks path for ttl, or for the configured TTL when ttl <= 0. A corrupted node is
// refused with CorruptedResource before any lock attempt.
func (c *Coordinator) Acquire(ctx context.Context, s treelock.Session, path string, ttl time.Duration) (treelock.Lock, error) {
	if ttl <= 0 {
		ttl = c.cfg.LockTTL
	}
	corrupted, err := c.IsCorrupted(ctx, s, path)
	if err != nil {
		return treelock.Lock{}, err
	}
	if corrupted {
		return treelock.Lock{}, corruptedError(path)
	}
	lock, err := transaction.ExecuteForced(ctx, c.txns, func(ctx context.Context) (treelock.Lock, error) {
		return s.LockManager().Lock(ctx, path, false, false, ttl, s.ID().String())
	})
	if err != nil {
		return treelock.Lock{}, err
	}
	log.Debug("lock acquired", "path", path, "session", s.ID(), "ttl", ttl)
	return lock, nil
}

// IsCorrupted reports whether the node carries lock metadata while not being locked. It reads
// the node afresh on every call.
func (c *Coordinator) IsCorrupted(ctx context.Context, s treelock.Session, path string) (bool, error) {
	n, err := s.GetNode(ctx, path)
	if err != nil {
		return false, treelock.Normalize(err)
	}
	return n.IsCorrupted(), nil
}

// Release drops the session's pending edits and unlocks path in a new transaction, whatever
// the state of the ambient one.
func (c *Coordinator) Release(ctx context.Context, s treelock.Session, path string) error {
	if err := s.Refresh(ctx, false); err != nil {
		return treelock.Normalize(err)
	}
	return c.txns.RunForced(ctx, func(ctx context.Context) error {
		return s.LockManager().Unlock(ctx, path)
	})
}

// ReleaseAfter releases path once the work done under the lock has finished with workErr and
// returns the combined outcome. A failed work wins over a failed release. A lock that expired
// after successful work is not a failure, since the write went through.
func (c *Coordinator) ReleaseAfter(ctx context.Context, s treelock.Session, path string, workErr error) error {
	err := c.Release(ctx, s, path)
	if err == nil {
		return workErr
	}
	if workErr != nil {
		log.Warn("lock release failed after a failed mutation", "path", path, "error", err, "mutationError", workErr)
		return workErr
	}
	if treelock.CodeOf(err) == treelock.LockExpired {
		log.Warn("lock expired before release, mutation kept", "path", path)
		return nil
	}
	return err
}

// ReleaseOffThread unlocks path on another goroutine, which starts with no transaction, and
// waits for the outcome. If the configured UnlockTimeout elapses first the node is reported
// as corrupted, as the unlock may still land half-way. A zero UnlockTimeout waits forever.
func (c *Coordinator) ReleaseOffThread(ctx context.Context, s treelock.Session, path string) error {
	if err := s.Refresh(ctx, false); err != nil {
		return treelock.Normalize(err)
	}
	workerCtx, _ := treelock.SuspendTransaction(context.WithoutCancel(ctx))
	result := make(chan error, 1)
	go func() {
		result <- c.txns.Run(workerCtx, func(ctx context.Context) error {
			return s.LockManager().Unlock(ctx, path)
		})
	}()

	var timeout <-chan time.Time
	if c.cfg.UnlockTimeout > 0 {
		timer := time.NewTimer(c.cfg.UnlockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case err := <-result:
		return err
	case <-timeout:
		log.Error("off-thread unlock timed out", "path", path, "timeout", c.cfg.UnlockTimeout)
		return treelock.NewError(treelock.CorruptedResource, path,
			"unlock of %s did not finish within %v, the node may carry lock residue", path, c.cfg.UnlockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearResidue removes stale lock metadata from a node that is not locked. It is an operator
// action; a locked node is refused with InvalidState.
func (c *Coordinator) ClearResidue(ctx context.Context, s treelock.Session, path string) error {
	locked, err := s.LockManager().IsLocked(ctx, path)
	if err != nil {
		return treelock.Normalize(err)
	}
	if locked {
		return treelock.NewError(treelock.InvalidState, path, "node %s is locked, refusing to clear its lock metadata", path)
	}
	return c.txns.RunForced(ctx, func(ctx context.Context) error {
		n, err := s.GetNode(ctx, path)
		if err != nil {
			return err
		}
		if !n.HasLockResidue() {
			return nil
		}
		for _, p := range []string{treelock.PropertyLockOwner, treelock.PropertyLockIsDeep} {
			if !n.HasProperty(p) {
				continue
			}
			if err := s.RemoveProperty(ctx, path, p); err != nil {
				return err
			}
		}
		log.Warn("clearing lock residue", "path", path, "properties", n.Properties)
		return s.Save(ctx)
	})
}

func corruptedError(path string) error {
	return treelock.NewError(treelock.CorruptedResource, path,
		"node %s carries lock metadata but is not locked, clear the residue before locking it", path)
}
