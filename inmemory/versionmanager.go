package inmemory

import (
	"context"

	"github.com/sharedcode/treelock"
)

type versionManager struct {
	session *Session
}

// Checkout makes a versionable node writable. The change follows the transactional write path.
func (vm *versionManager) Checkout(ctx context.Context, path string) error {
	s := vm.session
	if err := s.member.checkAvailable(); err != nil {
		return err
	}
	return s.cluster().write(ctx, []change{{kind: checkout, sessionID: s.id, path: path}})
}

// Checkin freezes a versionable node and returns the new base version. A node that is already
// checked in keeps, and returns, its base version.
func (vm *versionManager) Checkin(ctx context.Context, path string) (string, error) {
	s := vm.session
	if err := s.member.checkAvailable(); err != nil {
		return "", err
	}
	n, err := s.GetNode(ctx, path)
	if err != nil {
		return "", err
	}
	if !n.HasMixin(treelock.MixinVersionable) {
		return "", treelock.NewError(treelock.InvalidState, path, "node %s is not versionable", path)
	}
	base, _ := n.Property(treelock.PropertyBaseVersion)
	if !n.IsCheckedOut() {
		return base, nil
	}
	version := nextVersion(base)
	if err := s.cluster().write(ctx, []change{{kind: checkin, sessionID: s.id, path: path, value: version}}); err != nil {
		return "", err
	}
	return version, nil
}
