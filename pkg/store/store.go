// Package store provides the persistence primitives every stateful RoomLoop
// subsystem builds on: tolerant JSON reads, atomic JSON writes, and advisory
// cross-process file locks with staleness takeover.
//
// Multiple coordinator processes may share the same on-disk room state; the
// lock primitive here is the only serialization between them.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roomloop/roomloop/pkg/logger"
)

// ReadJSON reads and unmarshals a JSON file into out. A missing file is
// normal (first run) and returns false silently; a corrupt file is logged
// and also returns false. Callers keep their fallback value either way —
// this never fails hard.
func ReadJSON(path string, out interface{}) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WarnCF("store", "Unreadable state file, using fallback", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.WarnCF("store", "Corrupt state file, using fallback", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
		return false
	}
	return true
}

// WriteJSONAtomic serializes v and writes it via a uniquely named temp file
// in the target directory followed by a rename. Readers never observe a
// partially written file.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Advisory file locks
// ---------------------------------------------------------------------------

const (
	// lockStaleAfter is how old a marker file may be before we assume its
	// holder died and force takeover.
	lockStaleAfter = 10 * time.Second

	lockRetryDelay = 50 * time.Millisecond
	lockMaxRetries = 60
)

// LockManager hands out named advisory locks backed by marker files under a
// single directory. Lock names are scoped per logical resource, e.g.
// "R1/cache-write" or "R1/tasks".
type LockManager struct {
	dir string
}

// NewLockManager creates a lock manager rooted at dir.
func NewLockManager(dir string) *LockManager {
	os.MkdirAll(dir, 0755)
	return &LockManager{dir: dir}
}

func (lm *LockManager) markerPath(name string) string {
	// Lock names may contain path separators (room-scoped); flatten them.
	safe := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '\\' || c == ':' {
			c = '_'
		}
		safe = append(safe, c)
	}
	return filepath.Join(lm.dir, string(safe)+".lock")
}

// tryAcquire attempts one O_CREATE|O_EXCL creation of the marker file.
func (lm *LockManager) tryAcquire(path string) bool {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return true
}

// breakIfStale removes the marker if it is older than the staleness
// threshold. The previous holder is assumed dead.
func (lm *LockManager) breakIfStale(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < lockStaleAfter {
		return
	}
	logger.WarnCF("store", "Breaking stale lock", map[string]interface{}{"lock": path})
	os.Remove(path)
}

// WithLock runs fn while holding the named exclusive lock. It polls with a
// fixed delay up to a bounded retry count; a marker older than the staleness
// threshold is forcibly removed before retrying. The marker is always removed
// afterwards, whatever fn does.
//
// Returns true only if the lock was acquired and fn returned nil. A false
// return is the normal degraded path (lock budget exhausted or fn failed) —
// callers must treat the operation as not applied, never as fatal.
func (lm *LockManager) WithLock(name string, fn func() error) bool {
	path := lm.markerPath(name)

	acquired := false
	for attempt := 0; attempt < lockMaxRetries; attempt++ {
		if lm.tryAcquire(path) {
			acquired = true
			break
		}
		lm.breakIfStale(path)
		time.Sleep(lockRetryDelay)
	}
	if !acquired {
		logger.WarnCF("store", "Lock acquisition timed out", map[string]interface{}{"lock": name})
		return false
	}
	defer os.Remove(path)

	if err := fn(); err != nil {
		logger.WarnCF("store", "Locked operation failed", map[string]interface{}{
			"lock": name, "error": err.Error(),
		})
		return false
	}
	return true
}
