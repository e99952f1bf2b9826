// Package mutation composes the lock and transaction coordinators into safe node creation
// and update.
package mutation

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/locking"
	"github.com/sharedcode/treelock/transaction"
)

// Mode selects how the transactional boundary is laid around a locked mutation.
type Mode int

const (
	// SingleBoundary runs acquire, mutation and release in one transaction.
	SingleBoundary Mode = iota
	// NestedBoundary acquires first, then runs the versioned bracket in an inner boundary
	// nested in an outer one whose work releases the lock.
	NestedBoundary
	// Unmanaged runs without a user transaction; every save commits on its own.
	Unmanaged
)

func (m Mode) String() string {
	switch m {
	case SingleBoundary:
		return "single"
	case NestedBoundary:
		return "nested"
	case Unmanaged:
		return "unmanaged"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "single", "nested" or "unmanaged".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "single":
		return SingleBoundary, nil
	case "nested":
		return NestedBoundary, nil
	case "unmanaged":
		return Unmanaged, nil
	}
	return SingleBoundary, treelock.NewError(treelock.InvalidConfiguration, s, "unknown mutation mode %q", s)
}

// Operations are the safe and unsafe node mutations.
type Operations struct {
	locks   *locking.Coordinator
	txns    *transaction.Coordinator
	mode    Mode
	lockTTL time.Duration
	retry   *treelock.RetryPolicy
}

// Option configures Operations.
type Option func(*Operations)

// WithMode sets the boundary layout. Defaults to SingleBoundary.
func WithMode(m Mode) Option {
	return func(o *Operations) {
		o.mode = m
	}
}

// WithLockTTL overrides the lock coordinator's default TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *Operations) {
		o.lockTTL = ttl
	}
}

// WithRetryPolicy redoes a whole safe mutation, lock included, on retryable failures. A policy
// without RetryIf gets treelock.IsRetryable.
func WithRetryPolicy(p treelock.RetryPolicy) Option {
	return func(o *Operations) {
		if p.RetryIf == nil {
			p.RetryIf = treelock.IsRetryable
		}
		o.retry = &p
	}
}

// New composes the lock and transaction coordinators into safe mutations. Without options it
// uses SingleBoundary, the coordinator's default TTL and no retry.
func New(locks *locking.Coordinator, txns *transaction.Coordinator, opts ...Option) *Operations {
	o := &Operations{
		locks: locks,
		txns:  txns,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Mode returns the boundary layout in use.
func (o *Operations) Mode() Mode {
	return o.mode
}

// SafeAdd creates parentPath/name under a lock on the parent and returns the child's path.
// An empty content leaves the content property unset.
func (o *Operations) SafeAdd(ctx context.Context, s treelock.Session, parentPath, name, content string) (string, error) {
	return o.withRetry(ctx, fmt.Sprintf("safe add %s/%s", parentPath, name), func(ctx context.Context) (string, error) {
		return o.guarded(ctx, s, parentPath, func(ctx context.Context) (string, error) {
			return addBracket(ctx, s, parentPath, name, content)
		})
	})
}

// SafeUpdate sets the content of path under a lock on the node itself.
func (o *Operations) SafeUpdate(ctx context.Context, s treelock.Session, path, content string) (string, error) {
	return o.withRetry(ctx, fmt.Sprintf("safe update %s", path), func(ctx context.Context) (string, error) {
		return o.guarded(ctx, s, path, func(ctx context.Context) (string, error) {
			return updateBracket(ctx, s, path, content)
		})
	})
}

// UnsafeAdd is SafeAdd without the lock, in the caller's transaction if any.
func (o *Operations) UnsafeAdd(ctx context.Context, s treelock.Session, parentPath, name, content string) (string, error) {
	p, err := addBracket(ctx, s, parentPath, name, content)
	return p, treelock.Normalize(err)
}

// Update is SafeUpdate without the lock, in the caller's transaction if any.
func (o *Operations) Update(ctx context.Context, s treelock.Session, path, content string) (string, error) {
	p, err := updateBracket(ctx, s, path, content)
	return p, treelock.Normalize(err)
}

func (o *Operations) withRetry(ctx context.Context, description string, action func(ctx context.Context) (string, error)) (string, error) {
	if o.retry == nil {
		return action(ctx)
	}
	return treelock.Do(ctx, *o.retry, description, action)
}

// guarded runs mutate holding the lock on lockPath, laid out per mode. The lock is released
// whatever the outcome.
func (o *Operations) guarded(ctx context.Context, s treelock.Session, lockPath string, mutate func(ctx context.Context) (string, error)) (string, error) {
	switch o.mode {
	case NestedBoundary:
		if _, err := o.locks.Acquire(ctx, s, lockPath, o.lockTTL); err != nil {
			return "", err
		}
		released := false
		result, err := transaction.Execute(ctx, o.txns, func(ctx context.Context) (result string, err error) {
			defer func() {
				released = true
				err = o.locks.ReleaseAfter(ctx, s, lockPath, err)
			}()
			return transaction.Execute(ctx, o.txns, mutate)
		})
		if !released {
			err = o.locks.ReleaseAfter(ctx, s, lockPath, err)
		}
		return result, err

	case Unmanaged:
		ctx, _ = treelock.SuspendTransaction(ctx)
		if _, err := o.locks.Acquire(ctx, s, lockPath, o.lockTTL); err != nil {
			return "", err
		}
		result, err := mutate(ctx)
		if err = o.locks.ReleaseAfter(ctx, s, lockPath, treelock.Normalize(err)); err != nil {
			return "", err
		}
		return result, nil

	default:
		return transaction.Execute(ctx, o.txns, func(ctx context.Context) (result string, err error) {
			if _, err := o.locks.Acquire(ctx, s, lockPath, o.lockTTL); err != nil {
				return "", err
			}
			defer func() {
				err = o.locks.ReleaseAfter(ctx, s, lockPath, err)
			}()
			return mutate(ctx)
		})
	}
}

var childMixins = []string{treelock.MixinVersionable, treelock.MixinLockable}

// addBracket checks out the parent, adds and saves the child, cycles the child's version and
// checks the parent back in. Non-versionable parents skip their half of the bracket.
func addBracket(ctx context.Context, s treelock.Session, parentPath, name, content string) (string, error) {
	parent, err := s.GetNode(ctx, parentPath)
	if err != nil {
		return "", err
	}
	vm := s.VersionManager()
	versioned := parent.HasMixin(treelock.MixinVersionable)
	if versioned {
		if err := vm.Checkout(ctx, parentPath); err != nil {
			return "", err
		}
	}
	child, err := s.AddNode(ctx, parentPath, name, childMixins...)
	if err != nil {
		return "", err
	}
	if content != "" {
		if err := s.SetProperty(ctx, child.Path, treelock.PropertyContent, content); err != nil {
			return "", err
		}
	}
	if err := s.Save(ctx); err != nil {
		return "", err
	}
	if err := vm.Checkout(ctx, child.Path); err != nil {
		return "", err
	}
	if _, err := vm.Checkin(ctx, child.Path); err != nil {
		return "", err
	}
	if versioned {
		if _, err := vm.Checkin(ctx, parentPath); err != nil {
			return "", err
		}
	}
	log.Debug("node added", "path", child.Path, "session", s.ID())
	return child.Path, nil
}

// updateBracket brackets both the node and its parent.
func updateBracket(ctx context.Context, s treelock.Session, path, content string) (string, error) {
	n, err := s.GetNode(ctx, path)
	if err != nil {
		return "", err
	}
	vm := s.VersionManager()
	parentPath := treelock.ParentPath(path)
	parentVersioned := false
	if path != treelock.RootPath {
		parent, err := s.GetNode(ctx, parentPath)
		if err != nil {
			return "", err
		}
		parentVersioned = parent.HasMixin(treelock.MixinVersionable)
	}
	versioned := n.HasMixin(treelock.MixinVersionable)

	if parentVersioned {
		if err := vm.Checkout(ctx, parentPath); err != nil {
			return "", err
		}
	}
	if versioned {
		if err := vm.Checkout(ctx, path); err != nil {
			return "", err
		}
	}
	if err := s.SetProperty(ctx, path, treelock.PropertyContent, content); err != nil {
		return "", err
	}
	if err := s.Save(ctx); err != nil {
		return "", err
	}
	if versioned {
		if _, err := vm.Checkin(ctx, path); err != nil {
			return "", err
		}
	}
	if parentVersioned {
		if _, err := vm.Checkin(ctx, parentPath); err != nil {
			return "", err
		}
	}
	log.Debug("node updated", "path", path, "session", s.ID())
	return path, nil
}
