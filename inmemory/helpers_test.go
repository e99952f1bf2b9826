package inmemory

import (
	"context"
	"testing"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/cache"
)

var ctx = context.Background()

func newTestCluster(t *testing.T, opts ClusterOptions, members int) (*Cluster, []*Member) {
	t.Helper()
	c := NewCluster(cache.NewInMemoryCache(), opts)
	return c, c.Members(members)
}

func login(t *testing.T, m *Member) treelock.Session {
	t.Helper()
	s, err := m.Login(ctx)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	t.Cleanup(func() { s.Logout(ctx) })
	return s
}

// addSaved adds a node under the root without a transaction.
func addSaved(t *testing.T, s treelock.Session, parent, name string, mixins ...string) string {
	t.Helper()
	n, err := s.AddNode(ctx, parent, name, mixins...)
	if err != nil {
		t.Fatalf("AddNode(%s, %s) failed: %v", parent, name, err)
	}
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return n.Path
}

func exists(t *testing.T, s treelock.Session, path string) bool {
	t.Helper()
	ok, err := s.NodeExists(ctx, path)
	if err != nil {
		t.Fatalf("NodeExists(%s) failed: %v", path, err)
	}
	return ok
}
