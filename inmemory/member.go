package inmemory

import (
	"context"
	log "log/slog"
	"sync/atomic"

	"github.com/sharedcode/treelock"
)

// Member is a repository handle on one cluster member.
type Member struct {
	name        string
	cluster     *Cluster
	unavailable atomic.Bool
}

func newMember(name string, c *Cluster) *Member {
	return &Member{
		name:    name,
		cluster: c,
	}
}

// Name identifies the member.
func (m *Member) Name() string {
	return m.name
}

// SetAvailable toggles the member. An unavailable member fails Login, Save, Lock, Unlock and
// the version operations with TransportFailure.
func (m *Member) SetAvailable(available bool) {
	m.unavailable.Store(!available)
	log.Info("cluster member availability changed", "member", m.name, "available", available)
}

func (m *Member) checkAvailable() error {
	if m.unavailable.Load() {
		return treelock.NewError(treelock.TransportFailure, m.name, "cluster member %s is unreachable", m.name)
	}
	return nil
}

// Login opens a session on the member.
func (m *Member) Login(ctx context.Context) (treelock.Session, error) {
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	s := &Session{
		id:     treelock.NewUUID(),
		member: m,
	}
	log.Debug("session opened", "member", m.name, "session", s.id)
	return s, nil
}
