package mutation

import (
	"context"
	"fmt"

	"github.com/sharedcode/treelock"
)

const (
	AppRootName      = "appRoot"
	AppRootPath      = treelock.RootPath + AppRootName
	LeafParentPrefix = "folder-"
	LeafPrefix       = "file-"
)

// CreateApplicationRoot creates the versionable, lockable /appRoot if missing and returns its path.
func CreateApplicationRoot(ctx context.Context, s treelock.Session) (string, error) {
	exists, err := s.NodeExists(ctx, AppRootPath)
	if err != nil {
		return "", treelock.Normalize(err)
	}
	if exists {
		return AppRootPath, nil
	}
	n, err := s.AddNode(ctx, treelock.RootPath, AppRootName, childMixins...)
	if err != nil {
		return "", treelock.Normalize(err)
	}
	if err := s.Save(ctx); err != nil {
		return "", treelock.Normalize(err)
	}
	vm := s.VersionManager()
	if err := vm.Checkout(ctx, n.Path); err != nil {
		return "", treelock.Normalize(err)
	}
	if _, err := vm.Checkin(ctx, n.Path); err != nil {
		return "", treelock.Normalize(err)
	}
	return n.Path, nil
}

// DeleteApplicationRoot removes /appRoot and everything below it. A missing root is not an error.
func DeleteApplicationRoot(ctx context.Context, s treelock.Session) error {
	exists, err := s.NodeExists(ctx, AppRootPath)
	if err != nil || !exists {
		return treelock.Normalize(err)
	}
	if err := s.RemoveNode(ctx, AppRootPath); err != nil {
		return treelock.Normalize(err)
	}
	return treelock.Normalize(s.Save(ctx))
}

// LeafAbsolutePath returns /appRoot/folder-i/file-i.
func LeafAbsolutePath(i int) string {
	return fmt.Sprintf("%s/%s/%s", AppRootPath, LeafParentRelativePath(i), LeafRelativePath(i))
}

// LeafRelativePath returns the name of leaf i, file-i.
func LeafRelativePath(i int) string {
	return fmt.Sprintf("%s%d", LeafPrefix, i)
}

// LeafParentRelativePath returns the name of the folder holding leaf i, folder-i.
func LeafParentRelativePath(i int) string {
	return fmt.Sprintf("%s%d", LeafParentPrefix, i)
}
