package inmemory

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/sharedcode/treelock"
)

type changeKind int

const (
	addNode changeKind = iota
	setProperty
	removeProperty
	removeNode
	addMixin
	checkout
	checkin
	// lockMeta and unlockMeta write the lock metadata on behalf of the lock manager.
	lockMeta
	unlockMeta
)

var changeKindNames = [...]string{"addNode", "setProperty", "removeProperty", "removeNode", "addMixin",
	"checkout", "checkin", "lockMeta", "unlockMeta"}

func (k changeKind) String() string {
	return changeKindNames[k]
}

// change is one edit of the node tree, recorded by the session that made it.
type change struct {
	kind      changeKind
	sessionID treelock.UUID
	path      string
	// name is the child name (addNode), property name or mixin.
	name   string
	value  string
	mixins []string
	id     treelock.UUID
	// token is the lock token written or removed by lockMeta/unlockMeta.
	token  treelock.UUID
	isDeep bool
}

// lockChecker reports whether path is locked by a session other than sessionID.
type lockChecker func(path string, sessionID treelock.UUID) bool

const initialVersion = "1.0"

func nextVersion(base string) string {
	major, minor, ok := strings.Cut(base, ".")
	if !ok {
		return initialVersion
	}
	n, err := strconv.Atoi(minor)
	if err != nil {
		return initialVersion
	}
	return fmt.Sprintf("%s.%d", major, n+1)
}

func isLockMetaProperty(name string) bool {
	return name == treelock.PropertyLockOwner || name == treelock.PropertyLockIsDeep
}

// apply validates ch against v and applies it. locked may be nil to skip the lock checks.
func apply(v *view, ch change, locked lockChecker) error {
	writable := func(path string, n *node) error {
		if locked != nil && locked(path, ch.sessionID) {
			return treelock.NewError(treelock.LockUnavailable, path, "node %s is locked by another session", path)
		}
		if !n.isCheckedOut() {
			return treelock.NewError(treelock.InvalidState, path, "node %s is checked in", path)
		}
		return nil
	}
	target := func(path string) (*node, error) {
		n, ok := v.mutable(path)
		if !ok {
			return nil, treelock.NewError(treelock.NodeNotFound, path, "node %s not found", path)
		}
		return n, nil
	}

	switch ch.kind {
	case addNode:
		parent, err := target(ch.path)
		if err != nil {
			return err
		}
		if err := writable(ch.path, parent); err != nil {
			return err
		}
		childPath := treelock.JoinPath(ch.path, ch.name)
		if _, exists := v.get(childPath); exists {
			return treelock.NewError(treelock.ItemExists, childPath, "node %s already exists", childPath)
		}
		child := newNode(ch.mixins)
		child.id = ch.id
		if child.hasMixin(treelock.MixinVersionable) {
			child.props[treelock.PropertyIsCheckedOut] = "true"
			child.props[treelock.PropertyBaseVersion] = initialVersion
		}
		parent.children = append(parent.children, ch.name)
		v.put(childPath, child)

	case setProperty, removeProperty, addMixin:
		n, err := target(ch.path)
		if err != nil {
			return err
		}
		if ch.kind == removeProperty && isLockMetaProperty(ch.name) {
			// Clearing residue is allowed on checked-in nodes.
			if locked != nil && locked(ch.path, ch.sessionID) {
				return treelock.NewError(treelock.LockUnavailable, ch.path, "node %s is locked by another session", ch.path)
			}
		} else if err := writable(ch.path, n); err != nil {
			return err
		}
		switch ch.kind {
		case setProperty:
			n.props[ch.name] = ch.value
		case removeProperty:
			delete(n.props, ch.name)
		case addMixin:
			if !n.hasMixin(ch.name) {
				n.mixins = append(n.mixins, ch.name)
				if ch.name == treelock.MixinVersionable {
					n.props[treelock.PropertyIsCheckedOut] = "true"
					n.props[treelock.PropertyBaseVersion] = initialVersion
				}
			}
		}

	case removeNode:
		if ch.path == treelock.RootPath {
			return treelock.NewError(treelock.InvalidState, ch.path, "the root node can't be removed")
		}
		if _, err := target(ch.path); err != nil {
			return err
		}
		if locked != nil && locked(ch.path, ch.sessionID) {
			return treelock.NewError(treelock.LockUnavailable, ch.path, "node %s is locked by another session", ch.path)
		}
		parentPath := treelock.ParentPath(ch.path)
		parent, err := target(parentPath)
		if err != nil {
			return err
		}
		if err := writable(parentPath, parent); err != nil {
			return err
		}
		name := treelock.NameOf(ch.path)
		parent.children = slices.DeleteFunc(parent.children, func(c string) bool { return c == name })
		v.removeTree(ch.path)

	case checkout, checkin:
		n, err := target(ch.path)
		if err != nil {
			return err
		}
		if !n.hasMixin(treelock.MixinVersionable) {
			return treelock.NewError(treelock.InvalidState, ch.path, "node %s is not versionable", ch.path)
		}
		if locked != nil && locked(ch.path, ch.sessionID) {
			return treelock.NewError(treelock.LockUnavailable, ch.path, "node %s is locked by another session", ch.path)
		}
		if ch.kind == checkout {
			n.props[treelock.PropertyIsCheckedOut] = "true"
			break
		}
		if n.props[treelock.PropertyIsCheckedOut] == "true" {
			n.props[treelock.PropertyIsCheckedOut] = "false"
			n.props[treelock.PropertyBaseVersion] = ch.value
		}

	case lockMeta:
		n, err := target(ch.path)
		if err != nil {
			return err
		}
		n.props[treelock.PropertyLockOwner] = ch.value
		n.props[treelock.PropertyLockIsDeep] = strconv.FormatBool(ch.isDeep)

	case unlockMeta:
		n, ok := v.mutable(ch.path)
		if !ok {
			return nil
		}
		delete(n.props, treelock.PropertyLockOwner)
		delete(n.props, treelock.PropertyLockIsDeep)
	}
	return nil
}

// replay applies changes for a read, skipping the ones the current state no longer accepts.
func replay(v *view, changes []change) {
	for _, ch := range changes {
		apply(v, ch, nil)
	}
}
