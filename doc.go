// Package treelock coordinates concurrent mutation of nodes in a clustered, versioned,
// tree-structured content store.
//
// The root package defines the contracts the coordinator needs from its collaborators
// (Repository, Session, LockManager, VersionManager, TransactionManager, Cache), the error
// taxonomy, the explicit Config, logging setup, RetryPolicy and RepositorySelector.
// The coordinators live in subpackages:
//
//   - locking: path-scoped exclusive locks with TTL, residue (corruption) detection and the
//     same-thread and off-thread unlock variants.
//   - transaction: the transactional boundary that tolerates asynchronous abort by the reaper.
//   - mutation: SafeAdd and SafeUpdate composed from the two coordinators.
//
// inmemory is a reference store with a transaction reaper, cache and redis provide the
// Standalone and Clustered lock tables, and harness, restapi and cmd drive it all.
package treelock

// Timeout model
//
// Three independent clocks bound every safe mutation:
//  1. The lock TTL. The store releases a lock once it elapses, whether or not it was unlocked.
//  2. The transaction timeout. The reaper aborts the transaction once it elapses, even while
//     the unit of work is still running; the boundary then reports NonActiveTransaction
//     instead of committing.
//  3. The caller's context, honored while RetryPolicy waits between attempts and while the
//     off-thread unlock is awaited.
//
// Lock acquisition and commit/rollback are not cancellable; the store's own timeouts bound them.
