package treelock

import (
	"context"
	"time"
)

// Repository is a handle on one cluster member. Creation and teardown are owned by the caller.
type Repository interface {
	// Name identifies the member in logs.
	Name() string
	// Login opens a session against the member's workspace.
	Login(ctx context.Context) (Session, error)
}

// Session is a client's view of the node tree. Edits stay pending until Save.
//
// Every method takes the caller's context; the ambient transaction (if any) travels in it,
// see ContextWithTransaction.
type Session interface {
	ID() UUID
	NodeExists(ctx context.Context, path string) (bool, error)
	// GetNode reads the node as seen by this session, pending and transaction-staged edits included.
	GetNode(ctx context.Context, path string) (Node, error)
	// AddNode creates a pending child under parentPath and returns its snapshot.
	AddNode(ctx context.Context, parentPath, name string, mixins ...string) (Node, error)
	SetProperty(ctx context.Context, path, name, value string) error
	RemoveProperty(ctx context.Context, path, name string) error
	RemoveNode(ctx context.Context, path string) error
	AddMixin(ctx context.Context, path, mixin string) error
	HasPendingChanges() bool
	// Save persists pending edits: immediately without a transaction, at commit within an
	// active one, and not at all (NonActiveTransaction) within an aborted one.
	Save(ctx context.Context) error
	// Refresh discards pending edits unless keepChanges is true.
	Refresh(ctx context.Context, keepChanges bool) error
	LockManager() LockManager
	VersionManager() VersionManager
	Logout(ctx context.Context) error
}

// LockManager grants path-scoped locks.
type LockManager interface {
	Lock(ctx context.Context, path string, isDeep, isSessionScoped bool, ttl time.Duration, ownerInfo string) (Lock, error)
	Unlock(ctx context.Context, path string) error
	IsLocked(ctx context.Context, path string) (bool, error)
}

// VersionManager brackets writes to versionable nodes.
type VersionManager interface {
	Checkout(ctx context.Context, path string) error
	// Checkin returns the name of the created (or current base) version.
	Checkin(ctx context.Context, path string) (string, error)
}

// TransactionManager begins transactions. It owns the reaper that aborts expired ones.
type TransactionManager interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction is a unit of work that can be aborted asynchronously by the reaper.
type Transaction interface {
	ID() UUID
	Status() TransactionStatus
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Enlist registers a participant; it fails with NonActiveTransaction once aborted.
	Enlist(r TransactionResource) error
}

// TransactionResource participates in a transaction's outcome.
type TransactionResource interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Cache is the cluster-wide key table backing node locks.
type Cache interface {
	Ping(ctx context.Context) error

	// FormatLockKey namespaces a lock name.
	FormatLockKey(k string) string
	// CreateLockKeys builds lock keys with fresh lock IDs.
	CreateLockKeys(keys []string) []*LockKey
	// Lock acquires all keys for duration. When any key is owned by someone else it returns
	// false and that owner's ID.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked reports whether all keys are still owned by the caller. The store uses it to
	// notice a key the table dropped on its own, e.g. evicted by Redis.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock deletes the keys the caller owns.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
}
