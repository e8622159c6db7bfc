// Package state implements the Checkpoint Store and Lock (§4.5):
// persistence of the last-sync checkpoint and the advisory lock that
// keeps two concurrent runs against the same maildir from racing.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"jmapsync/internal/model"
)

// LoadCheckpoint reads the checkpoint file at path. A missing or
// unreadable file is not an error: it is treated as an empty
// checkpoint (first run), and the caller is expected to log a warning
// in the unreadable (as opposed to merely-missing) case.
func LoadCheckpoint(path string) (model.Checkpoint, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, false
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, false
	}
	return cp, true
}

// SaveCheckpoint writes cp to path atomically: write to a sibling temp
// file, fsync, then rename over the final path.
func SaveCheckpoint(path string, cp model.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("could not create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("could not create checkpoint scratch file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("could not write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("could not sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("could not close checkpoint scratch file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("could not finalize checkpoint: %w", err)
	}
	return nil
}

// Lock is the advisory file lock held for the whole duration of a run
// against a given maildir, so a second invocation waits rather than
// corrupting the first's in-flight work.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock blocks until the lock at path is obtained, invoking
// onWait (if non-nil) once if the lock is not immediately available,
// so the caller can print a "waiting for lock held by another
// run..." notice.
func AcquireLock(path string, onWait func()) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("could not create lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("could not acquire lock %q: %w", path, err)
	}
	if !ok {
		if onWait != nil {
			onWait()
		}
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("could not acquire lock %q: %w", path, err)
		}
	}
	return &Lock{fl: fl}, nil
}

// Release gives up the lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// CheckpointPath returns the conventional checkpoint file path
// inside an index root directory.
func CheckpointPath(indexRoot string) string {
	return filepath.Join(indexRoot, "jmapsync-checkpoint.json")
}

// LockPath returns the conventional lock file path inside an index
// root directory.
func LockPath(indexRoot string) string {
	return filepath.Join(indexRoot, "jmapsync.lock")
}
