package inmemory

import (
	"maps"
	"slices"

	"github.com/sharedcode/treelock"
)

type node struct {
	id       treelock.UUID
	props    map[string]string
	mixins   []string
	children []string
}

func newNode(mixins []string) *node {
	return &node{
		id:     treelock.NewUUID(),
		props:  make(map[string]string),
		mixins: slices.Clone(mixins),
	}
}

func (n *node) clone() *node {
	return &node{
		id:       n.id,
		props:    maps.Clone(n.props),
		mixins:   slices.Clone(n.mixins),
		children: slices.Clone(n.children),
	}
}

func (n *node) hasMixin(m string) bool {
	return slices.Contains(n.mixins, m)
}

func (n *node) hasLockResidue() bool {
	_, owner := n.props[treelock.PropertyLockOwner]
	_, deep := n.props[treelock.PropertyLockIsDeep]
	return owner || deep
}

func (n *node) isCheckedOut() bool {
	return !n.hasMixin(treelock.MixinVersionable) || n.props[treelock.PropertyIsCheckedOut] == "true"
}

func (n *node) snapshot(path string) treelock.Node {
	return treelock.Node{
		Path:       path,
		Identifier: n.id,
		Properties: maps.Clone(n.props),
		Mixins:     slices.Clone(n.mixins),
		Children:   slices.Clone(n.children),
	}
}

// nodeRepository is the committed node tree. Uses a map keyed by absolute path.
type nodeRepository struct {
	lookup map[string]*node
}

func newNodeRepository() *nodeRepository {
	nr := &nodeRepository{
		lookup: make(map[string]*node),
	}
	nr.lookup[treelock.RootPath] = newNode(nil)
	return nr
}

// Get returns the committed node at path.
func (nr *nodeRepository) Get(path string) (*node, bool) {
	n, ok := nr.lookup[path]
	return n, ok
}

// Update upserts the node at path.
func (nr *nodeRepository) Update(path string, n *node) {
	nr.lookup[path] = n
}

// Remove drops the node at path; descendants are removed by the caller.
func (nr *nodeRepository) Remove(path string) {
	delete(nr.lookup, path)
}

// view is a copy-on-write layer over the committed tree. Changes are applied to the view and
// merged into the repository in one step, or thrown away.
type view struct {
	base *nodeRepository
	// nodes holds the copies written through this view; a nil value marks a removal.
	nodes map[string]*node
}

func newView(base *nodeRepository) *view {
	return &view{
		base:  base,
		nodes: make(map[string]*node),
	}
}

func (v *view) get(path string) (*node, bool) {
	if n, ok := v.nodes[path]; ok {
		return n, n != nil
	}
	return v.base.Get(path)
}

// mutable returns a private copy of the node at path, cloning it on first write.
func (v *view) mutable(path string) (*node, bool) {
	if n, ok := v.nodes[path]; ok {
		return n, n != nil
	}
	n, ok := v.base.Get(path)
	if !ok {
		return nil, false
	}
	c := n.clone()
	v.nodes[path] = c
	return c, true
}

func (v *view) put(path string, n *node) {
	v.nodes[path] = n
}

// removeTree marks path and all its descendants removed.
func (v *view) removeTree(path string) {
	n, ok := v.get(path)
	if !ok {
		return
	}
	for _, c := range n.children {
		v.removeTree(treelock.JoinPath(path, c))
	}
	v.nodes[path] = nil
}

// merge writes the view into the committed tree.
func (v *view) merge() {
	for p, n := range v.nodes {
		if n == nil {
			v.base.Remove(p)
			continue
		}
		v.base.Update(p, n)
	}
	clear(v.nodes)
}
