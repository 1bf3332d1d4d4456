// Package atomicio is the single gateway every persistence component
// (WAL, queue snapshot, statistics, sentinel, lock, waiting-queue and
// callback stores) uses to touch the workspace filesystem. It
// implements the write-temp/flush/rename contract described by the
// crash-resilience subsystem: a reader sees either the previous
// complete file or the new complete file, never a partial one.
//
// Direct writes to persisted files bypassing this package are
// forbidden by the design — every other server-side package in this
// module calls Write or WriteJSON instead of os.WriteFile.
package atomicio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// tempSuffix is inserted between a path and its UUID to produce the
// documented "*.tmp.{uuid}" temp-file name the startup sweeper looks for.
const tempSuffix = ".tmp."

// Write atomically replaces path's contents with data: it writes to
// "path.tmp.{uuid}" in the same directory, flushes it to stable
// storage, then renames it over path. On any failure the temp file is
// removed best-effort and the original file is left untouched.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicio: create dir %s: %w", dir, err)
	}

	tmpPath := path + tempSuffix + uuid.New().String()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("atomicio: open temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomicio: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomicio: flush temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomicio: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomicio: rename temp file: %w", err)
	}
	return nil
}

// WriteJSON marshals v with stable key order and indentation and
// writes it via Write. Go's encoding/json already emits struct fields
// in declaration order and map keys in sorted order, which is the
// "stable key order" the component design calls for.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicio: marshal json: %w", err)
	}
	return Write(path, data)
}

// WriteBytesFast is a thin pass-through to google/renameio/v2 for
// callers that don't need the spec's discoverable "*.tmp.{uuid}"
// naming (i.e. files the startup sweeper does not need to recognize,
// such as one-off exports). Prefer Write/WriteJSON for anything under
// the workspace root.
func WriteBytesFast(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}

// SweepOrphanedTemp removes "*.tmp.{uuid}" files under root older than
// maxAge. It is run once at startup, before any component begins
// writing. Temp files younger than maxAge are left alone: an in-flight
// write may still own them.
func SweepOrphanedTemp(root string, maxAge time.Duration) (swept int, err error) {
	now := time.Now()
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			// Inaccessible entries are skipped rather than aborting the
			// whole sweep; startup must not fail because one directory
			// briefly had bad permissions.
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !strings.Contains(filepath.Base(path), tempSuffix) {
			return nil
		}
		if now.Sub(info.ModTime()) <= maxAge {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			swept++
		}
		return nil
	})
	if walkErr != nil {
		return swept, fmt.Errorf("atomicio: sweep %s: %w", root, walkErr)
	}
	return swept, nil
}
