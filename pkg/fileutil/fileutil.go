// Package fileutil provides file helpers for resumable downloads with
// tmp+mv semantics: a file is either absent or complete.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/langcorpus/pkg/logging"
)

// PartialSuffix marks a file that is still being written.
const PartialSuffix = ".part"

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsNonEmpty returns true if the file exists and has non-zero size.
func IsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// PartialPath returns the path a file is written to before it is moved into
// place.
func PartialPath(outPath string) string {
	return outPath + PartialSuffix
}

// WriteTmpThenMove writes outPath through a sibling partial file.
// The writeFunc receives the partial path and should write the complete file.
// On success, the file is synced and renamed to outPath.
func WriteTmpThenMove(outPath string, writeFunc func(tmpPath string) error) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := PartialPath(outPath)
	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync partial file: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename partial to final: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// CleanupPartialFiles removes the partial files left in dir by an
// interrupted run. Subdirectories are not visited.
func CleanupPartialFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir: %w", err)
	}

	var removed int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), PartialSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}

	if removed > 0 {
		logging.L().Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up partial files")
	}
	return removed, nil
}
