// Package filewait blocks until a file appears on a shared filesystem and
// stabilizes, which is how pipeline stages synchronize on detector images and
// tool output that another host is still writing.
package filewait

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dominiquefastus/mxproc/internal/logging"
)

// DefaultTimeout bounds a wait when the caller does not supply one.
const DefaultTimeout = 120 * time.Second

const pollInterval = 1 * time.Second

var log = func() *slog.Logger { return logging.New("filewait") }

// Wait polls until path exists and is considered complete, or the timeout
// elapses. With expectedSize > 0 the file is complete once its size reaches
// expectedSize; otherwise once size and mtime are unchanged between two
// consecutive polls. A timeout returns an error and is left to the caller to
// escalate.
func Wait(ctx context.Context, path string, expectedSize int64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	dir := filepath.Dir(path)

	var lastSize int64 = -1
	var lastMTime time.Time

	for {
		refreshDirCache(dir)
		if fi, err := os.Stat(path); err == nil {
			if expectedSize > 0 {
				if fi.Size() >= expectedSize {
					return nil
				}
			} else if fi.Size() == lastSize && fi.ModTime().Equal(lastMTime) && lastSize >= 0 {
				return nil
			}
			lastSize = fi.Size()
			lastMTime = fi.ModTime()
		}
		if time.Now().After(deadline) {
			log().Warn("timeout while waiting for file", "path", path, "timeout", timeout)
			return fmt.Errorf("timeout after %s waiting for %s", timeout, path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// refreshDirCache stats the parent directory through an open handle, forcing
// NFS clients to revalidate their attribute cache before the next stat.
func refreshDirCache(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_, _ = f.Stat()
	_ = f.Close()
}
