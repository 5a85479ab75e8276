// Package storage provides the low-level file primitives shared by every
// artifact writer: atomic replace-on-write, append-only CSV databases, and a
// cross-process lock directory.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteFileAtomic writes data to path so that readers never observe a
// partial file: write to a temp file in the same directory, fsync, then
// rename over the target.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write %s: fsync: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic write %s: rename: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomic json %s: %w", path, err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// Lock is a cross-process mutual exclusion based on mkdir, guarding shared
// progress JSON updates across concurrently running stages.
type Lock struct {
	dir string
}

// AcquireLock takes the lock directory, retrying until the timeout elapses.
// A stale lock older than staleAfter is broken.
func AcquireLock(dir string, timeout, staleAfter time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return &Lock{dir: dir}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock %s: %w", dir, err)
		}
		if info, statErr := os.Stat(dir); statErr == nil && time.Since(info.ModTime()) > staleAfter {
			_ = os.Remove(dir)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out after %s", dir, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Release frees the lock.
func (l *Lock) Release() {
	_ = os.Remove(l.dir)
}
