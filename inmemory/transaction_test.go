package inmemory

import (
	"testing"
	"time"

	"github.com/sharedcode/treelock"
)

func TestTransactionalSaveIsHiddenUntilCommit(t *testing.T) {
	_, members := newTestCluster(t, ClusterOptions{}, 2)
	tm := NewTransactionManager(time.Minute)
	defer tm.Close()
	s1 := login(t, members[0])
	s2 := login(t, members[1])

	tx, _ := tm.Begin(ctx)
	txCtx := treelock.ContextWithTransaction(ctx, tx)
	s1.AddNode(txCtx, treelock.RootPath, "a")
	if err := s1.Save(txCtx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ok, _ := s1.NodeExists(txCtx, "/a")
	if !ok {
		t.Errorf("transaction should see its staged node")
	}
	if exists(t, s2, "/a") {
		t.Errorf("staged node visible before commit")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if tx.Status() != treelock.StatusCommitted {
		t.Errorf("status = %v", tx.Status())
	}
	if !exists(t, s2, "/a") {
		t.Errorf("committed node not visible")
	}
	if err := tx.Commit(ctx); treelock.CodeOf(err) != treelock.NonActiveTransaction {
		t.Errorf("second commit: expected NonActiveTransaction, got %v", err)
	}
}

func TestRollbackDiscardsEveryStagedWrite(t *testing.T) {
	_, members := newTestCluster(t, ClusterOptions{}, 1)
	tm := NewTransactionManager(time.Minute)
	defer tm.Close()
	s := login(t, members[0])

	tx, _ := tm.Begin(ctx)
	txCtx := treelock.ContextWithTransaction(ctx, tx)
	s.AddNode(txCtx, treelock.RootPath, "a")
	s.Save(txCtx)
	s.AddNode(txCtx, treelock.RootPath, "b")
	s.Save(txCtx)
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if exists(t, s, "/a") || exists(t, s, "/b") {
		t.Errorf("rolled back nodes are visible")
	}
	if err := tx.Rollback(ctx); treelock.CodeOf(err) != treelock.NonActiveTransaction {
		t.Errorf("second rollback: expected NonActiveTransaction, got %v", err)
	}
}

func TestReaperAbortsExpiredTransaction(t *testing.T) {
	_, members := newTestCluster(t, ClusterOptions{}, 1)
	tm := NewTransactionManager(50 * time.Millisecond)
	defer tm.Close()
	s := login(t, members[0])

	tx, _ := tm.Begin(ctx)
	txCtx := treelock.ContextWithTransaction(ctx, tx)
	s.AddNode(txCtx, treelock.RootPath, "a")
	if err := s.Save(txCtx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if tx.Status() != treelock.StatusAborted {
		t.Fatalf("expected reaper to abort, status = %v", tx.Status())
	}
	if err := tx.Commit(ctx); treelock.CodeOf(err) != treelock.NonActiveTransaction {
		t.Errorf("commit after abort: expected NonActiveTransaction, got %v", err)
	}
	s.AddNode(txCtx, treelock.RootPath, "b")
	if err := s.Save(txCtx); treelock.CodeOf(err) != treelock.NonActiveTransaction {
		t.Errorf("save in aborted transaction: expected NonActiveTransaction, got %v", err)
	}
	if err := tx.Enlist(nil); treelock.CodeOf(err) != treelock.NonActiveTransaction {
		t.Errorf("enlist in aborted transaction: expected NonActiveTransaction, got %v", err)
	}
	if exists(t, s, "/a") {
		t.Errorf("work of aborted transaction is visible")
	}
}

func TestCommitPastDeadlineAborts(t *testing.T) {
	_, members := newTestCluster(t, ClusterOptions{}, 1)
	tm := NewTransactionManager(time.Hour)
	tm.Close()
	s := login(t, members[0])

	now := time.Now()
	treelock.Now = func() time.Time { return now }
	defer func() { treelock.Now = time.Now }()

	tx, _ := tm.Begin(ctx)
	txCtx := treelock.ContextWithTransaction(ctx, tx)
	s.AddNode(txCtx, treelock.RootPath, "a")
	s.Save(txCtx)

	now = now.Add(2 * time.Hour)
	if err := tx.Commit(ctx); treelock.CodeOf(err) != treelock.NonActiveTransaction {
		t.Fatalf("expected NonActiveTransaction, got %v", err)
	}
	if exists(t, s, "/a") {
		t.Errorf("expired transaction committed")
	}
}
