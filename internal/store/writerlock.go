package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// WriterLock is the exclusive filesystem lock over the store directory
// (C7). It is the same gofrs/flock primitive the embedding adapter uses to
// serialize concurrent model downloads (internal/embed.FileLock), applied
// here to serialize writers to the vector store and meta cache instead.
type WriterLock struct {
	path  string
	flock *flock.Flock
}

// NewWriterLock creates a writer lock at <dataDir>/locks/writer.lock.
func NewWriterLock(dataDir string) *WriterLock {
	path := filepath.Join(dataDir, "locks", "writer.lock")
	return &WriterLock{path: path, flock: flock.New(path)}
}

// AcquireWithRetry acquires the lock, retrying a bounded number of times
// with fixed backoff, per §4.7. Fails loudly (returns a descriptive error)
// if the lock cannot be obtained.
func (w *WriterLock) AcquireWithRetry(attempts int, backoff time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := w.flock.TryLock()
		if err != nil {
			lastErr = err
		} else if ok {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(backoff)
		}
	}
	if lastErr != nil {
		return fmt.Errorf("writer lock contended at %s after %d attempts: %w", w.path, attempts, lastErr)
	}
	return fmt.Errorf("writer lock contended at %s after %d attempts: held by another process", w.path, attempts)
}

// Release releases the lock. Safe to call on an unlocked WriterLock.
func (w *WriterLock) Release() error {
	return w.flock.Unlock()
}

// Path returns the lock file path.
func (w *WriterLock) Path() string {
	return w.path
}
