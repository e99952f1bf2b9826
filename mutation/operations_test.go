package mutation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/cache"
	"github.com/sharedcode/treelock/inmemory"
	"github.com/sharedcode/treelock/locking"
	"github.com/sharedcode/treelock/transaction"
)

var ctx = context.Background()

var allModes = []Mode{SingleBoundary, NestedBoundary, Unmanaged}

type fixture struct {
	locks   *locking.Coordinator
	txns    *transaction.Coordinator
	members []*inmemory.Member
	cfg     treelock.Config
}

func newFixture(t *testing.T, cfg treelock.Config) *fixture {
	t.Helper()
	tm := inmemory.NewTransactionManager(cfg.TransactionTimeout)
	t.Cleanup(func() { tm.Close() })
	cluster := inmemory.NewCluster(cache.NewInMemoryCache(), inmemory.ClusterOptions{
		LockWaitTimeout: cfg.LockWaitTimeout,
		LockPollUnit:    2 * time.Millisecond,
	})
	txns := transaction.NewCoordinator(tm)
	return &fixture{
		locks:   locking.NewCoordinator(txns, cfg),
		txns:    txns,
		members: cluster.Members(cfg.ClusterSize),
		cfg:     cfg,
	}
}

func (f *fixture) session(t *testing.T, member int) treelock.Session {
	t.Helper()
	s, err := f.members[member%len(f.members)].Login(ctx)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	t.Cleanup(func() { s.Logout(ctx) })
	return s
}

func (f *fixture) ops(opts ...Option) *Operations {
	return New(f.locks, f.txns, opts...)
}

func (f *fixture) appRoot(t *testing.T) string {
	t.Helper()
	p, err := CreateApplicationRoot(ctx, f.session(t, 0))
	if err != nil {
		t.Fatalf("CreateApplicationRoot failed: %v", err)
	}
	return p
}

func TestSafeAdd(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, treelock.DefaultConfig())
			root := f.appRoot(t)
			s := f.session(t, 1)

			p, err := f.ops(WithMode(mode)).SafeAdd(ctx, s, root, "child", "hello")
			if err != nil {
				t.Fatalf("SafeAdd failed: %v", err)
			}
			if p != root+"/child" {
				t.Errorf("SafeAdd returned %q", p)
			}

			reader := f.session(t, 2)
			n, err := reader.GetNode(ctx, p)
			if err != nil {
				t.Fatalf("GetNode failed: %v", err)
			}
			if v, _ := n.Property(treelock.PropertyContent); v != "hello" {
				t.Errorf("content = %q", v)
			}
			if n.IsCheckedOut() || !n.HasMixin(treelock.MixinLockable) {
				t.Errorf("child should be lockable and checked in: %+v", n)
			}
			parent, _ := reader.GetNode(ctx, root)
			if parent.IsCheckedOut() {
				t.Errorf("parent left checked out")
			}
			if locked, _ := reader.LockManager().IsLocked(ctx, root); locked {
				t.Errorf("parent left locked")
			}
			if corrupted, _ := f.locks.IsCorrupted(ctx, reader, root); corrupted {
				t.Errorf("parent corrupted")
			}
		})
	}
}

func TestSafeAddWithoutContent(t *testing.T) {
	f := newFixture(t, treelock.DefaultConfig())
	root := f.appRoot(t)
	s := f.session(t, 0)

	p, err := f.ops().SafeAdd(ctx, s, root, "empty", "")
	if err != nil {
		t.Fatalf("SafeAdd failed: %v", err)
	}
	n, _ := s.GetNode(ctx, p)
	if n.HasProperty(treelock.PropertyContent) {
		t.Errorf("empty content should leave the property unset")
	}
}

func TestSafeAddFailureReleasesLock(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, treelock.DefaultConfig())
			root := f.appRoot(t)
			s := f.session(t, 0)
			ops := f.ops(WithMode(mode))

			if _, err := ops.SafeAdd(ctx, s, root, "dup", ""); err != nil {
				t.Fatalf("SafeAdd failed: %v", err)
			}
			_, err := ops.SafeAdd(ctx, s, root, "dup", "")
			if treelock.CodeOf(err) != treelock.ItemExists {
				t.Fatalf("expected ItemExists, got %v", err)
			}
			if s.HasPendingChanges() {
				t.Errorf("pending changes left behind")
			}
			other := f.session(t, 1)
			if locked, _ := other.LockManager().IsLocked(ctx, root); locked {
				t.Errorf("lock not released after failure")
			}
			if corrupted, _ := f.locks.IsCorrupted(ctx, other, root); corrupted {
				t.Errorf("parent corrupted after failure")
			}
			if _, err := ops.SafeAdd(ctx, other, root, "next", ""); err != nil {
				t.Errorf("SafeAdd after failure: %v", err)
			}
		})
	}
}

func TestSafeAddOnCorruptedParentFailsFast(t *testing.T) {
	cfg := treelock.DefaultConfig()
	f := newFixture(t, cfg)
	root := f.appRoot(t)
	s := f.session(t, 0)

	// Leave residue: unlock inside a transaction that never commits.
	if _, err := f.locks.Acquire(ctx, s, root, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	f.txns.Run(ctx, func(ctx context.Context) error {
		s.LockManager().Unlock(ctx, root)
		return errors.New("abort")
	})

	policy, _ := treelock.NewRetryPolicy(5, time.Second)
	start := time.Now()
	_, err := f.ops(WithRetryPolicy(policy)).SafeAdd(ctx, s, root, "child", "")
	if treelock.CodeOf(err) != treelock.CorruptedResource {
		t.Fatalf("expected CorruptedResource, got %v", err)
	}
	if time.Since(start) >= time.Second {
		t.Errorf("corruption was retried")
	}
}

func TestSafeUpdate(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, treelock.DefaultConfig())
			root := f.appRoot(t)
			s := f.session(t, 0)
			ops := f.ops(WithMode(mode))
			p, err := ops.SafeAdd(ctx, s, root, "leaf", "v1")
			if err != nil {
				t.Fatalf("SafeAdd failed: %v", err)
			}

			if _, err := ops.SafeUpdate(ctx, s, p, "v2"); err != nil {
				t.Fatalf("SafeUpdate failed: %v", err)
			}
			n, _ := f.session(t, 1).GetNode(ctx, p)
			if v, _ := n.Property(treelock.PropertyContent); v != "v2" {
				t.Errorf("content = %q", v)
			}
			if base, _ := n.Property(treelock.PropertyBaseVersion); base != "1.2" {
				t.Errorf("base version = %q, expected 1.2", base)
			}
			if n.IsCheckedOut() {
				t.Errorf("node left checked out")
			}
		})
	}
}

func TestUnsafeAddAndUpdate(t *testing.T) {
	f := newFixture(t, treelock.DefaultConfig())
	root := f.appRoot(t)
	s := f.session(t, 0)
	ops := f.ops()

	p, err := ops.UnsafeAdd(ctx, s, root, "u", "a")
	if err != nil {
		t.Fatalf("UnsafeAdd failed: %v", err)
	}
	if _, err := ops.Update(ctx, s, p, "b"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	n, _ := s.GetNode(ctx, p)
	if v, _ := n.Property(treelock.PropertyContent); v != "b" {
		t.Errorf("content = %q", v)
	}

	holder := f.session(t, 1)
	if _, err := f.locks.Acquire(ctx, holder, p, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := ops.Update(ctx, s, p, "c"); treelock.CodeOf(err) != treelock.LockUnavailable {
		t.Errorf("update of a node locked by someone else: expected LockUnavailable, got %v", err)
	}
}

// unlockFailingSession makes every unlock fail with err after delay.
type unlockFailingSession struct {
	treelock.Session
	delay time.Duration
	err   error
}

type unlockFailingLockManager struct {
	treelock.LockManager
	s unlockFailingSession
}

func (m unlockFailingLockManager) Unlock(ctx context.Context, path string) error {
	if m.s.err == nil {
		return m.LockManager.Unlock(ctx, path)
	}
	return m.s.err
}

func (s unlockFailingSession) LockManager() treelock.LockManager {
	return unlockFailingLockManager{LockManager: s.Session.LockManager(), s: s}
}

func (s unlockFailingSession) Save(ctx context.Context) error {
	time.Sleep(s.delay)
	return s.Session.Save(ctx)
}

func TestLockExpiredAfterSuccessIsIgnored(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, treelock.DefaultConfig())
			root := f.appRoot(t)
			s := unlockFailingSession{Session: f.session(t, 0), delay: 150 * time.Millisecond}

			p, err := f.ops(WithMode(mode), WithLockTTL(50*time.Millisecond)).SafeAdd(ctx, s, root, "slow", "x")
			if err != nil {
				t.Fatalf("SafeAdd failed: %v", err)
			}
			ok, _ := f.session(t, 1).NodeExists(ctx, p)
			if !ok {
				t.Errorf("child missing")
			}
		})
	}
}

func TestReleaseErrorAfterSuccessIsReported(t *testing.T) {
	f := newFixture(t, treelock.DefaultConfig())
	root := f.appRoot(t)
	transport := treelock.NewError(treelock.TransportFailure, nil, "member down")
	s := unlockFailingSession{Session: f.session(t, 0), err: transport}

	_, err := f.ops().SafeAdd(ctx, s, root, "child", "")
	if treelock.CodeOf(err) != treelock.TransportFailure {
		t.Fatalf("expected TransportFailure, got %v", err)
	}
	if ok, _ := f.session(t, 1).NodeExists(ctx, root+"/child"); ok {
		t.Errorf("mutation committed although its boundary failed")
	}
}

func TestMutationErrorWinsOverReleaseError(t *testing.T) {
	f := newFixture(t, treelock.DefaultConfig())
	root := f.appRoot(t)
	if _, err := f.ops().SafeAdd(ctx, f.session(t, 0), root, "dup", ""); err != nil {
		t.Fatalf("SafeAdd failed: %v", err)
	}
	transport := treelock.NewError(treelock.TransportFailure, nil, "member down")
	s := unlockFailingSession{Session: f.session(t, 1), err: transport}

	_, err := f.ops().SafeAdd(ctx, s, root, "dup", "")
	if treelock.CodeOf(err) != treelock.ItemExists {
		t.Fatalf("expected the mutation's ItemExists, got %v", err)
	}
}

func TestConcurrentSafeAdd(t *testing.T) {
	const workers = 50
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := treelock.DefaultConfig()
			cfg.LockWaitTimeout = 5 * time.Second
			cfg.TransactionTimeout = 30 * time.Second
			f := newFixture(t, cfg)
			root := f.appRoot(t)
			selector, err := treelock.NewRepositorySelector(inmemory.Repositories(f.members))
			if err != nil {
				t.Fatalf("NewRepositorySelector failed: %v", err)
			}
			policy, _ := treelock.NewRetryPolicy(5, 50*time.Millisecond)
			ops := f.ops(WithMode(mode), WithRetryPolicy(policy))

			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					s, err := selector.Next().Login(ctx)
					if err != nil {
						errs <- err
						return
					}
					defer s.Logout(ctx)
					if _, err := ops.SafeAdd(ctx, s, root, fmt.Sprintf("child-%d", i), "c"); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("worker failed: %v", err)
			}

			reader := f.session(t, 0)
			n, err := reader.GetNode(ctx, root)
			if err != nil {
				t.Fatalf("GetNode failed: %v", err)
			}
			if len(n.Children) != workers {
				t.Errorf("expected %d children, got %d", workers, len(n.Children))
			}
			sorted := slices.Clone(n.Children)
			slices.Sort(sorted)
			if len(slices.Compact(sorted)) != len(n.Children) {
				t.Errorf("duplicate children: %v", n.Children)
			}
			if corrupted, _ := f.locks.IsCorrupted(ctx, reader, root); corrupted {
				t.Errorf("parent corrupted")
			}
		})
	}
}
