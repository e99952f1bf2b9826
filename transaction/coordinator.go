// Package transaction runs units of work inside a transactional boundary that tolerates the
// transaction being aborted behind the caller's back.
package transaction

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/treelock"
)

// Coordinator drives the ambient transaction carried by the context. It does not own the
// transaction manager.
type Coordinator struct {
	manager treelock.TransactionManager
}

// NewCoordinator returns a coordinator beginning transactions on manager.
func NewCoordinator(manager treelock.TransactionManager) *Coordinator {
	return &Coordinator{
		manager: manager,
	}
}

// Run executes work in the ambient transaction when it is active; the outer call owns the
// boundary then and nothing is committed or rolled back here. Otherwise a new transaction is
// begun, and committed after work returns if it is still active.
func (c *Coordinator) Run(ctx context.Context, work func(ctx context.Context) error) error {
	if treelock.IsTransactionActive(ctx) {
		return treelock.Normalize(work(ctx))
	}
	// An ambient transaction that is no longer active can't be joined.
	ctx, _ = treelock.SuspendTransaction(ctx)
	return c.runNew(ctx, work)
}

// RunForced suspends the ambient transaction, active or not, and runs work in a new one.
// The suspended transaction is left untouched.
func (c *Coordinator) RunForced(ctx context.Context, work func(ctx context.Context) error) error {
	ctx, suspended := treelock.SuspendTransaction(ctx)
	if suspended != nil {
		log.Debug("transaction suspended", "transaction", suspended.ID(), "status", suspended.Status())
	}
	return c.runNew(ctx, work)
}

// Execute is Run for work producing a value. The value is only meaningful with a nil error.
func Execute[T any](ctx context.Context, c *Coordinator, work func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = work(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// ExecuteForced is RunForced for work producing a value.
func ExecuteForced[T any](ctx context.Context, c *Coordinator, work func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.RunForced(ctx, func(ctx context.Context) error {
		var err error
		result, err = work(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (c *Coordinator) runNew(ctx context.Context, work func(ctx context.Context) error) (err error) {
	tx, err := c.manager.Begin(ctx)
	if err != nil {
		return treelock.Normalize(err)
	}
	txCtx := treelock.ContextWithTransaction(ctx, tx)

	defer func() {
		if r := recover(); r != nil {
			if rerr := rollbackIfActive(ctx, tx); rerr != nil {
				log.Error("rollback after panic failed", "transaction", tx.ID(), "error", rerr)
			}
			panic(r)
		}
	}()

	if werr := work(txCtx); werr != nil {
		werr = treelock.Normalize(werr)
		if rerr := rollbackIfActive(ctx, tx); rerr != nil {
			return treelock.Error{
				Code: treelock.RollbackFailure,
				Err:  fmt.Errorf("rollback of transaction %v failed: %w, after work error: %w", tx.ID(), rerr, werr),
			}
		}
		return werr
	}

	if status := tx.Status(); status != treelock.StatusActive {
		log.Warn("transaction ended while its work was running, not committing", "transaction", tx.ID(), "status", status)
		return treelock.NewError(treelock.NonActiveTransaction, tx.ID().String(),
			"transaction %v is %v after its work completed, nothing was committed", tx.ID(), status)
	}
	if err := tx.Commit(ctx); err != nil {
		return treelock.Normalize(err)
	}
	return nil
}

// rollbackIfActive leaves transactions already aborted (e.g. by the reaper) alone.
func rollbackIfActive(ctx context.Context, tx treelock.Transaction) error {
	if tx.Status() != treelock.StatusActive {
		return nil
	}
	err := tx.Rollback(ctx)
	// Lost a race with the reaper: the transaction is rolled back either way.
	if err != nil && treelock.CodeOf(err) == treelock.NonActiveTransaction {
		return nil
	}
	return err
}
