package cel

import (
	"testing"

	"github.com/sharedcode/treelock"
)

var nodes = []treelock.Node{
	{Path: "/appRoot/folder-0/file-0", Properties: map[string]string{"testContent": "a"}, Mixins: []string{treelock.MixinVersionable}},
	{Path: "/appRoot/folder-1", Mixins: []string{treelock.MixinLockable}},
	{Path: "/appRoot/folder-1/file-1"},
}

func TestFilterByName(t *testing.T) {
	f, err := NewNodeFilter(`name.startsWith("file-")`)
	if err != nil {
		t.Fatal(err)
	}
	r, err := f.Filter(nodes)
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 2 {
		t.Errorf("expected 2 matches, got %d", len(r))
	}
}

func TestFilterByPropertyAndMixin(t *testing.T) {
	f, err := NewNodeFilter(`"testContent" in props && "mix:versionable" in mixins`)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := f.Filter(nodes)
	if len(r) != 1 || r[0].Path != "/appRoot/folder-0/file-0" {
		t.Errorf("unexpected matches %v", r)
	}
}

func TestNilFilterKeepsAll(t *testing.T) {
	var f *NodeFilter
	r, err := f.Filter(nodes)
	if err != nil || len(r) != len(nodes) {
		t.Errorf("nil filter returned %d, %v", len(r), err)
	}
}

func TestInvalidExpressions(t *testing.T) {
	for _, expr := range []string{"", "name +", `path`} {
		if _, err := NewNodeFilter(expr); treelock.CodeOf(err) != treelock.InvalidConfiguration {
			t.Errorf("NewNodeFilter(%q): expected InvalidConfiguration, got %v", expr, err)
		}
	}
}
