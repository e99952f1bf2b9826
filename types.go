package treelock

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"
)

// Mixins a node can carry.
const (
	MixinLockable    = "mix:lockable"
	MixinVersionable = "mix:versionable"
)

// Property names the store manages on behalf of the lock and version managers.
const (
	// PropertyLockOwner and PropertyLockIsDeep are the lock metadata. Finding either on a node
	// that is not locked means the node is corrupted.
	PropertyLockOwner    = "jcr:lockOwner"
	PropertyLockIsDeep   = "jcr:lockIsDeep"
	PropertyIsCheckedOut = "jcr:isCheckedOut"
	PropertyBaseVersion  = "jcr:baseVersion"
	// PropertyContent is the payload property written by the mutation operations.
	PropertyContent = "testContent"
)

// RootPath is the absolute path of the workspace root node.
const RootPath = "/"

// Node is a read snapshot of a path-addressed node.
type Node struct {
	Path       string
	Identifier UUID
	Properties map[string]string
	Mixins     []string
	// Children holds child names in insertion order.
	Children []string
	// Locked reports whether a live lock held the node when the snapshot was taken.
	Locked bool
}

// Name returns the last path segment.
func (n Node) Name() string {
	return NameOf(n.Path)
}

// HasProperty reports whether the node carries the named property.
func (n Node) HasProperty(name string) bool {
	_, ok := n.Properties[name]
	return ok
}

// Property returns the named property value and whether it exists.
func (n Node) Property(name string) (string, bool) {
	v, ok := n.Properties[name]
	return v, ok
}

// HasMixin reports whether the mixin has been applied.
func (n Node) HasMixin(mixin string) bool {
	return slices.Contains(n.Mixins, mixin)
}

// HasLockResidue reports whether lock metadata is present on the node.
func (n Node) HasLockResidue() bool {
	return n.HasProperty(PropertyLockOwner) || n.HasProperty(PropertyLockIsDeep)
}

// IsCorrupted reports whether the node carries lock metadata without being locked.
func (n Node) IsCorrupted() bool {
	return !n.Locked && n.HasLockResidue()
}

// IsCheckedOut reports the versioning state. Non-versionable nodes are always writable.
func (n Node) IsCheckedOut() bool {
	if !n.HasMixin(MixinVersionable) {
		return true
	}
	return n.Properties[PropertyIsCheckedOut] == "true"
}

// Lock describes a granted lock.
type Lock struct {
	Path string
	// Token identifies the holder; only sessions carrying it may unlock.
	Token           UUID
	Owner           string
	IsDeep          bool
	IsSessionScoped bool
	TTL             time.Duration
	ExpiresAt       time.Time
}

// IsLive reports whether the lock is still within its TTL at the given instant.
func (l Lock) IsLive(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// LockKey is one entry in the cluster-wide lock table.
type LockKey struct {
	// Key is the lock table key (formatted via Cache.FormatLockKey).
	Key string
	// LockID is the value stored under Key by the owner.
	LockID UUID
	// IsLockOwner is true once this key was acquired by the caller.
	IsLockOwner bool
}

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus int

const (
	StatusNone TransactionStatus = iota
	StatusActive
	// StatusAborted covers both explicit rollback and reaper abort.
	StatusAborted
	StatusCommitted
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusActive:
		return "ACTIVE"
	case StatusAborted:
		return "ABORTED"
	case StatusCommitted:
		return "COMMITTED"
	}
	return fmt.Sprintf("TransactionStatus(%d)", int(s))
}

// JoinPath appends a child name to an absolute parent path.
func JoinPath(parent, name string) string {
	return path.Join(parent, name)
}

// ParentPath returns the parent of an absolute path; the root is its own parent.
func ParentPath(p string) string {
	return path.Dir(p)
}

// NameOf returns the last segment of an absolute path.
func NameOf(p string) string {
	if p == RootPath {
		return ""
	}
	return path.Base(p)
}

// ValidatePath checks that p is a clean absolute path.
func ValidatePath(p string) error {
	if !strings.HasPrefix(p, "/") || path.Clean(p) != p {
		return NewError(InvalidState, p, "path %q is not a clean absolute path", p)
	}
	return nil
}

// ValidateName checks a child name is a single, non-empty path segment.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return NewError(InvalidState, name, "invalid node name %q", name)
	}
	return nil
}
