package treelock

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the release of the treelock module and its commands.
var Version = strings.TrimSpace(versionFile)
