package inmemory

import (
	"context"
	log "log/slog"
	"slices"
	"sync"

	"github.com/sharedcode/treelock"
)

// Session keeps its edits pending until Save. Safe for concurrent use.
type Session struct {
	id      treelock.UUID
	member  *Member
	mu      sync.Mutex
	pending []change
	closed  bool
	// held maps the paths this session locked to their lock tokens.
	held map[string]treelock.UUID
}

func (s *Session) cluster() *Cluster {
	return s.member.cluster
}

func (s *Session) rememberLock(path string, token treelock.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(map[string]treelock.UUID)
	}
	s.held[path] = token
}

func (s *Session) heldLock(path string) (treelock.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.held[path]
	return token, ok
}

func (s *Session) forgetLock(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, path)
}

// ID identifies the session; lock owner info defaults to it.
func (s *Session) ID() treelock.UUID {
	return s.id
}

func (s *Session) pendingChanges() []change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// NodeExists reports whether path is visible to the session, pending edits included.
func (s *Session) NodeExists(ctx context.Context, path string) (bool, error) {
	_, err := s.GetNode(ctx, path)
	if err == nil {
		return true, nil
	}
	if treelock.CodeOf(err) == treelock.NodeNotFound {
		return false, nil
	}
	return false, err
}

// GetNode returns a snapshot of path as the session sees it: committed state, then the
// changes staged in the context's transaction, then the pending edits.
func (s *Session) GetNode(ctx context.Context, path string) (treelock.Node, error) {
	if err := s.checkOpen(); err != nil {
		return treelock.Node{}, err
	}
	return s.cluster().getNode(ctx, path, s.pendingChanges())
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return treelock.NewError(treelock.InvalidState, s.id.String(), "session %v is logged out", s.id)
	}
	return nil
}

// edit validates ch against the session's view and queues it.
func (s *Session) edit(ctx context.Context, ch change) error {
	if err := treelock.ValidatePath(ch.path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return treelock.NewError(treelock.InvalidState, s.id.String(), "session %v is logged out", s.id)
	}
	ch.sessionID = s.id
	if err := s.cluster().validatePending(ctx, s.pending, ch); err != nil {
		return err
	}
	s.pending = append(s.pending, ch)
	return nil
}

// AddNode queues the creation of parentPath/name with mixins and returns the pending node.
func (s *Session) AddNode(ctx context.Context, parentPath, name string, mixins ...string) (treelock.Node, error) {
	if err := treelock.ValidateName(name); err != nil {
		return treelock.Node{}, err
	}
	ch := change{kind: addNode, path: parentPath, name: name, mixins: mixins, id: treelock.NewUUID()}
	if err := s.edit(ctx, ch); err != nil {
		return treelock.Node{}, err
	}
	return s.GetNode(ctx, treelock.JoinPath(parentPath, name))
}

// SetProperty queues a property write.
func (s *Session) SetProperty(ctx context.Context, path, name, value string) error {
	return s.edit(ctx, change{kind: setProperty, path: path, name: name, value: value})
}

// RemoveProperty queues a property removal.
func (s *Session) RemoveProperty(ctx context.Context, path, name string) error {
	return s.edit(ctx, change{kind: removeProperty, path: path, name: name})
}

// RemoveNode queues the removal of path and its subtree.
func (s *Session) RemoveNode(ctx context.Context, path string) error {
	return s.edit(ctx, change{kind: removeNode, path: path})
}

// AddMixin queues a mixin on path.
func (s *Session) AddMixin(ctx context.Context, path, mixin string) error {
	return s.edit(ctx, change{kind: addMixin, path: path, name: mixin})
}

// HasPendingChanges reports whether edits are queued since the last Save or Refresh.
func (s *Session) HasPendingChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Save applies the pending edits at once, or stages them in the context's transaction when it
// is active. A non-active transaction fails with NonActiveTransaction.
func (s *Session) Save(ctx context.Context) error {
	if err := s.member.checkAvailable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return treelock.NewError(treelock.InvalidState, s.id.String(), "session %v is logged out", s.id)
	}
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.cluster().write(ctx, s.pending); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

// Refresh drops the pending edits unless keepChanges is set.
func (s *Session) Refresh(ctx context.Context, keepChanges bool) error {
	if keepChanges {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

// LockManager returns the lock operations of the session.
func (s *Session) LockManager() treelock.LockManager {
	return &lockManager{session: s}
}

// VersionManager returns the checkout/checkin operations of the session.
func (s *Session) VersionManager() treelock.VersionManager {
	return &versionManager{session: s}
}

// Logout drops pending edits and releases the session-scoped locks of the session.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.held = nil
	s.mu.Unlock()

	c := s.cluster()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.locks {
		if e.sessionID != s.id || !e.lock.IsSessionScoped {
			continue
		}
		c.dropLockLocked(ctx, e)
		if n, ok := c.nodes.Get(e.lock.Path); ok {
			delete(n.props, treelock.PropertyLockOwner)
			delete(n.props, treelock.PropertyLockIsDeep)
		}
	}
	log.Debug("session closed", "member", s.member.name, "session", s.id)
	return nil
}
