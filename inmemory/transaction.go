package inmemory

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/treelock"
)

// TransactionManager begins transactions and runs the reaper that aborts the ones outliving
// the timeout.
type TransactionManager struct {
	timeout time.Duration

	mu     sync.Mutex
	active map[treelock.UUID]*Transaction

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTransactionManager starts the reaper. Close stops it.
func NewTransactionManager(timeout time.Duration) *TransactionManager {
	m := &TransactionManager{
		timeout: timeout,
		active:  make(map[treelock.UUID]*Transaction),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.reaper(reapInterval(timeout))
	return m
}

func reapInterval(timeout time.Duration) time.Duration {
	d := timeout / 10
	if d < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	if d > time.Second {
		return time.Second
	}
	return d
}

// Timeout returns the age after which transactions get aborted.
func (m *TransactionManager) Timeout() time.Duration {
	return m.timeout
}

// Begin starts a transaction. The context is only used for logging.
func (m *TransactionManager) Begin(ctx context.Context) (treelock.Transaction, error) {
	now := treelock.Now()
	t := &Transaction{
		id:       treelock.NewUUID(),
		status:   treelock.StatusActive,
		started:  now,
		deadline: now.Add(m.timeout),
		manager:  m,
	}
	m.mu.Lock()
	m.active[t.id] = t
	m.mu.Unlock()
	log.Debug("transaction begun", "transaction", t.id, "timeout", m.timeout)
	return t, nil
}

// Close stops the reaper. Transactions still active stay active.
func (m *TransactionManager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

func (m *TransactionManager) reaper(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap(context.Background())
		}
	}
}

// reap aborts every active transaction past its deadline.
func (m *TransactionManager) reap(ctx context.Context) {
	now := treelock.Now()
	var expired []*Transaction
	m.mu.Lock()
	for _, t := range m.active {
		if !now.Before(t.deadline) {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		t.mu.Lock()
		if t.status == treelock.StatusActive {
			log.Warn("transaction timed out, aborting", "transaction", t.id, "age", now.Sub(t.started))
			if err := t.abortLocked(ctx); err != nil {
				log.Error("reaper rollback failed", "transaction", t.id, "error", err)
			}
		}
		t.mu.Unlock()
	}
}

func (m *TransactionManager) forget(t *Transaction) {
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
}

// Transaction may be aborted by the reaper at any time while active.
type Transaction struct {
	id       treelock.UUID
	started  time.Time
	deadline time.Time
	manager  *TransactionManager

	mu        sync.Mutex
	status    treelock.TransactionStatus
	resources []treelock.TransactionResource
}

func (t *Transaction) ID() treelock.UUID {
	return t.id
}

func (t *Transaction) Status() treelock.TransactionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) notActive() error {
	return treelock.NewError(treelock.NonActiveTransaction, t.id.String(), "transaction %v is %v", t.id, t.status)
}

// Enlist adds a participant. It fails once the transaction is no longer active.
func (t *Transaction) Enlist(r treelock.TransactionResource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != treelock.StatusActive {
		return t.notActive()
	}
	t.resources = append(t.resources, r)
	return nil
}

// Commit commits the participants in enlistment order. A transaction past its deadline is
// aborted instead, even if the reaper has not got to it yet.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != treelock.StatusActive {
		return t.notActive()
	}
	if !treelock.Now().Before(t.deadline) {
		if err := t.abortLocked(ctx); err != nil {
			return errors.Join(t.notActive(), err)
		}
		return t.notActive()
	}
	for i, r := range t.resources {
		if err := r.Commit(ctx); err != nil {
			var rerr error
			for _, rest := range t.resources[i+1:] {
				rerr = errors.Join(rerr, rest.Rollback(ctx))
			}
			t.status = treelock.StatusAborted
			t.manager.forget(t)
			if rerr != nil {
				return fmt.Errorf("commit failed, details: %w, rollback error: %v", err, rerr)
			}
			return err
		}
	}
	t.status = treelock.StatusCommitted
	t.manager.forget(t)
	log.Debug("transaction committed", "transaction", t.id, "resources", len(t.resources))
	return nil
}

// Rollback discards the participants' work.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != treelock.StatusActive {
		return t.notActive()
	}
	return t.abortLocked(ctx)
}

func (t *Transaction) abortLocked(ctx context.Context) error {
	t.status = treelock.StatusAborted
	t.manager.forget(t)
	var err error
	for _, r := range t.resources {
		err = errors.Join(err, r.Rollback(ctx))
	}
	log.Debug("transaction rolled back", "transaction", t.id, "resources", len(t.resources))
	return err
}
