// Package files locates files on disk for tests and tooling.
package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir toward the filesystem root and returns the first
// entry named name, or "" if there is none. Unreadable directories are
// skipped.
func FindUp(name, dir string) string {
	cur := dir
	for {
		entries, err := os.ReadDir(cur)
		if err == nil {
			for _, e := range entries {
				if e.Name() == name {
					return filepath.Join(cur, name)
				}
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}

// FindWorkerBin locates a built exprun-worker binary, looking upward from
// the working directory. It returns "" if none has been built.
func FindWorkerBin() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return FindUp("exprun-worker", wd)
}
