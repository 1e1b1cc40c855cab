package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Fingerprint summarizes a directory tree by the path, size, modification
// time and mode of every entry. Excluded paths do not contribute. A missing
// directory has the fingerprint of an empty one.
func Fingerprint(root string, excluded func(string) bool) (string, error) {
	h := sha256.New()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == root {
			return nil
		}
		if excluded(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00%o\n", rel, info.Size(), info.ModTime().UnixNano(), uint32(info.Mode()))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint %s: %w", root, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
