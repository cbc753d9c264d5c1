package internal

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// tempSuffix marks in-flight downloads; a file only loses it via the
	// atomic rename after verification.
	tempSuffix = ".patchtmp"

	// resumeSuffix marks the sidecar recording how far a temp file got and
	// the digest of that prefix.
	resumeSuffix = ".patchtmp.resume"
)

// writeFileAtomic writes data to path via a temp file and rename so readers
// never observe a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + tempSuffix
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return ClassifyLocalError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ClassifyLocalError(err)
	}
	return nil
}

// SweepTempFiles removes leftover temp downloads and resume sidecars under
// root that no session is going to pick up again. Called when a fresh (non
// resuming) session starts.
func SweepTempFiles(root string) int {
	removed := 0
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, tempSuffix) || strings.HasSuffix(p, resumeSuffix) {
			if os.Remove(p) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		logf(LogDebug, "swept %d stale temp file(s) under %s", removed, root)
	}
	return removed
}
