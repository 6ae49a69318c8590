// Package netns runs code inside another network namespace.
package netns

import (
	"path/filepath"
	"strings"
)

// RunDir is where `ip netns add` bind-mounts named namespaces.
const RunDir = "/var/run/netns"

// Path resolves a namespace reference. Absolute paths (for example
// /proc/<pid>/ns/net) are used as-is, bare names are looked up in RunDir and
// the empty string means the current namespace.
func Path(ref string) string {
	switch {
	case ref == "":
		return ""
	case filepath.IsAbs(ref):
		return ref
	case strings.ContainsRune(ref, filepath.Separator):
		return filepath.Clean(ref)
	default:
		return filepath.Join(RunDir, ref)
	}
}
