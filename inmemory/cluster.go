package inmemory

import (
	"container/heap"
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/treelock"
)

// ClusterOptions tunes the reference store.
type ClusterOptions struct {
	// LockWaitTimeout is how long Lock waits for a held lock before failing with LockUnavailable.
	// Zero fails at once.
	LockWaitTimeout time.Duration
	// LockPollUnit is the jitter unit between lock attempts. Defaults to 10ms.
	LockPollUnit time.Duration
}

// ClusterOptionsFromConfig picks the store settings out of the coordinator config.
func ClusterOptionsFromConfig(cfg treelock.Config) ClusterOptions {
	return ClusterOptions{
		LockWaitTimeout: cfg.LockWaitTimeout,
	}
}

// Cluster is the node tree shared by all members. Member handles are views on it, so a write
// committed through one member is visible through every other.
type Cluster struct {
	mu          sync.Mutex
	nodes       *nodeRepository
	cache       treelock.Cache
	opts        ClusterOptions
	locks       map[string]*lockEntry
	expirations expirationHeap
	resources   map[treelock.UUID]*txResource
}

// NewCluster creates a tree holding only the root node. cache is the lock table.
func NewCluster(cache treelock.Cache, opts ClusterOptions) *Cluster {
	if opts.LockPollUnit <= 0 {
		opts.LockPollUnit = 10 * time.Millisecond
	}
	return &Cluster{
		nodes:     newNodeRepository(),
		cache:     cache,
		opts:      opts,
		locks:     make(map[string]*lockEntry),
		resources: make(map[treelock.UUID]*txResource),
	}
}

// Members returns n repository handles named member-0..member-(n-1).
func (c *Cluster) Members(n int) []*Member {
	members := make([]*Member, n)
	for i := range members {
		members[i] = newMember(fmt.Sprintf("member-%d", i), c)
	}
	return members
}

// Repositories returns the handles as treelock.Repository, ready for a RepositorySelector.
func Repositories(members []*Member) []treelock.Repository {
	r := make([]treelock.Repository, len(members))
	for i, m := range members {
		r[i] = m
	}
	return r
}

// lockedByOther reports whether path is under a live lock of another session, either its own
// lock or a deep lock on an ancestor. Callers hold c.mu.
func (c *Cluster) lockedByOther(path string, sessionID treelock.UUID) bool {
	now := treelock.Now()
	if e, ok := c.locks[path]; ok && e.lock.IsLive(now) && e.sessionID != sessionID {
		return true
	}
	for p := path; p != treelock.RootPath; {
		p = treelock.ParentPath(p)
		if e, ok := c.locks[p]; ok && e.lock.IsDeep && e.lock.IsLive(now) && e.sessionID != sessionID {
			return true
		}
	}
	return false
}

// liveLock returns the live lock on path. Callers hold c.mu.
func (c *Cluster) liveLock(path string) (*lockEntry, bool) {
	e, ok := c.locks[path]
	if !ok || !e.lock.IsLive(treelock.Now()) {
		return nil, false
	}
	return e, true
}

// dropLockLocked forgets the entry and gives its key back to the lock table.
func (c *Cluster) dropLockLocked(ctx context.Context, e *lockEntry) {
	if c.locks[e.lock.Path] == e {
		delete(c.locks, e.lock.Path)
	}
	if e.index >= 0 && e.index < len(c.expirations) && c.expirations[e.index] == e {
		heap.Remove(&c.expirations, e.index)
	}
	if err := c.cache.Unlock(ctx, e.keys); err != nil {
		log.Warn("lock table unlock failed, key will expire on its own", "path", e.lock.Path, "error", err)
	}
}

// expireLocksLocked releases every lock whose TTL elapsed. The key and the lock metadata go
// together so expiry never leaves residue behind.
func (c *Cluster) expireLocksLocked(ctx context.Context) {
	now := treelock.Now()
	for len(c.expirations) > 0 && !c.expirations[0].lock.IsLive(now) {
		e := heap.Pop(&c.expirations).(*lockEntry)
		c.retireLockLocked(ctx, e)
		log.Debug("lock expired", "path", e.lock.Path, "token", e.lock.Token, "ttl", e.lock.TTL)
	}
}

// retireLockLocked drops e and clears the lock metadata unless the path was locked again.
// Callers hold c.mu.
func (c *Cluster) retireLockLocked(ctx context.Context, e *lockEntry) {
	c.dropLockLocked(ctx, e)
	if _, relocked := c.locks[e.lock.Path]; relocked {
		return
	}
	if n, ok := c.nodes.Get(e.lock.Path); ok {
		delete(n.props, treelock.PropertyLockOwner)
		delete(n.props, treelock.PropertyLockIsDeep)
	}
}

// keyLostLocked asks the lock table whether it still holds e's key. A key the table dropped on
// its own, e.g. evicted by Redis, retires the lock like an elapsed TTL. Callers hold c.mu.
func (c *Cluster) keyLostLocked(ctx context.Context, e *lockEntry) (bool, error) {
	held, err := c.cache.IsLocked(ctx, e.keys)
	if err != nil || held {
		return false, err
	}
	log.Warn("lock key vanished from the lock table", "path", e.lock.Path, "token", e.lock.Token)
	c.retireLockLocked(ctx, e)
	return true, nil
}

// viewLocked layers staged and pending changes over the committed tree for a read.
func (c *Cluster) viewLocked(ctx context.Context, pending []change) *view {
	v := newView(c.nodes)
	if tx := treelock.TransactionFromContext(ctx); tx != nil {
		if r, ok := c.resources[tx.ID()]; ok {
			replay(v, r.changes)
		}
	}
	replay(v, pending)
	return v
}

func (c *Cluster) getNode(ctx context.Context, path string, pending []change) (treelock.Node, error) {
	if err := treelock.ValidatePath(path); err != nil {
		return treelock.Node{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocksLocked(ctx)
	n, ok := c.viewLocked(ctx, pending).get(path)
	if !ok {
		return treelock.Node{}, treelock.NewError(treelock.NodeNotFound, path, "node %s not found", path)
	}
	snap := n.snapshot(path)
	_, snap.Locked = c.liveLock(path)
	return snap, nil
}

// validatePending checks ch against the session's view without lock checks.
func (c *Cluster) validatePending(ctx context.Context, pending []change, ch change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return apply(c.viewLocked(ctx, pending), ch, nil)
}

// write persists changes made by a session: at once without a transaction in ctx, staged in the
// transaction's resource within an active one, and not at all within an aborted one.
func (c *Cluster) write(ctx context.Context, changes []change) error {
	tx := treelock.TransactionFromContext(ctx)
	if tx == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.expireLocksLocked(ctx)
		v := newView(c.nodes)
		for _, ch := range changes {
			if err := apply(v, ch, c.lockedByOther); err != nil {
				return err
			}
		}
		v.merge()
		c.settleUnlocksLocked(ctx, changes)
		return nil
	}

	if tx.Status() != treelock.StatusActive {
		return treelock.NewError(treelock.NonActiveTransaction, tx.ID().String(), "transaction %v is %v", tx.ID(), tx.Status())
	}
	r, err := c.resource(tx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed {
		return treelock.NewError(treelock.NonActiveTransaction, tx.ID().String(), "transaction %v ended while saving", tx.ID())
	}
	c.expireLocksLocked(ctx)
	v := newView(c.nodes)
	replay(v, r.changes)
	for _, ch := range changes {
		if err := apply(v, ch, c.lockedByOther); err != nil {
			return err
		}
	}
	r.changes = append(r.changes, changes...)
	return nil
}

// resource returns the cluster's participant in tx, enlisting it on first use.
func (c *Cluster) resource(tx treelock.Transaction) (*txResource, error) {
	c.mu.Lock()
	r, ok := c.resources[tx.ID()]
	if ok {
		c.mu.Unlock()
		return r, nil
	}
	r = &txResource{cluster: c, txID: tx.ID()}
	c.resources[tx.ID()] = r
	c.mu.Unlock()

	// Enlist takes the transaction's own lock, never call it with c.mu held.
	if err := tx.Enlist(r); err != nil {
		c.mu.Lock()
		if c.resources[tx.ID()] == r {
			delete(c.resources, tx.ID())
		}
		r.closed = true
		c.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// txResource holds the changes staged by one transaction until it ends.
type txResource struct {
	cluster *Cluster
	txID    treelock.UUID
	changes []change
	closed  bool
}

// Commit applies the staged changes in one step, or none of them.
func (r *txResource) Commit(ctx context.Context) error {
	c := r.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed {
		return treelock.NewError(treelock.NonActiveTransaction, r.txID.String(), "transaction %v already ended", r.txID)
	}
	r.closed = true
	delete(c.resources, r.txID)
	c.expireLocksLocked(ctx)

	v := newView(c.nodes)
	for _, ch := range r.changes {
		switch ch.kind {
		case lockMeta:
			// The lock expired before commit, its metadata must not outlive it.
			if e, ok := c.liveLock(ch.path); !ok || e.lock.Token != ch.token {
				continue
			}
		case unlockMeta:
			// Someone else holds a newer lock and owns the metadata now.
			if e, ok := c.liveLock(ch.path); ok && e.lock.Token != ch.token {
				continue
			}
		}
		if err := apply(v, ch, nil); err != nil {
			c.releaseStagedLocksLocked(ctx, r.changes)
			return err
		}
	}
	v.merge()
	c.settleUnlocksLocked(ctx, r.changes)
	log.Debug("transaction resource committed", "transaction", r.txID, "changes", len(r.changes))
	return nil
}

// Rollback discards the staged changes and gives back the locks granted within the transaction.
func (r *txResource) Rollback(ctx context.Context) error {
	c := r.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	delete(c.resources, r.txID)
	c.releaseStagedLocksLocked(ctx, r.changes)
	log.Debug("transaction resource rolled back", "transaction", r.txID, "changes", len(r.changes))
	return nil
}

// releaseStagedLocksLocked gives back the keys of the locks taken or released within a
// transaction that did not commit. An unlock's metadata stays behind.
func (c *Cluster) releaseStagedLocksLocked(ctx context.Context, changes []change) {
	for _, ch := range changes {
		if ch.kind != lockMeta && ch.kind != unlockMeta {
			continue
		}
		if e, ok := c.locks[ch.path]; ok && e.lock.Token == ch.token {
			c.dropLockLocked(ctx, e)
		}
	}
}

// settleUnlocksLocked gives back the keys whose metadata removal just landed.
func (c *Cluster) settleUnlocksLocked(ctx context.Context, changes []change) {
	for _, ch := range changes {
		if ch.kind != unlockMeta {
			continue
		}
		if e, ok := c.locks[ch.path]; ok && e.lock.Token == ch.token {
			c.dropLockLocked(ctx, e)
		}
	}
}
