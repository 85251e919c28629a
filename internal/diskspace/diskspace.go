// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"os"
	"path/filepath"
)

// Info describes the filesystem holding a path.
type Info struct {
	Total     uint64
	Free      uint64
	Available uint64 // available to unprivileged users
	UsedPct   int
}

// Check returns disk space information for path. When path does not exist
// yet its nearest existing parent is used.
func Check(path string) (*Info, error) {
	return check(existingParent(path))
}

func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

func usedPct(total, free uint64) int {
	if total == 0 {
		return 0
	}
	return int(100 * (total - free) / total)
}
