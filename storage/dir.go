// Package storage provides the local disk helpers used by the browser:
// the profile directory and the screenshot persister.
package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
)

const (
	dirPrefix = "cdpdriver-profile-"

	defaultRemoveAttempts = 5
	defaultRemoveBackoff  = 150 * time.Millisecond
)

// Dir is a browser profile directory.
// It is removed by Cleanup only when it was created by Make.
type Dir struct {
	Dir       string
	remove    bool
	removeAll func(string) error
	attempts  int
	backoff   time.Duration
}

// Make creates a new temporary directory in tmpDir when path is empty and
// marks it for removal. Otherwise it uses path as is and keeps it.
func (d *Dir) Make(tmpDir string, path string) error {
	if path != "" {
		d.Dir = path
		return nil
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	dir := filepath.Join(tmpDir, dirPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return pkgerrors.Wrapf(err, "creating profile directory %q", dir)
	}
	d.Dir = dir
	d.remove = true

	return nil
}

// IsOwned reports whether Cleanup will remove the directory.
func (d *Dir) IsOwned() bool { return d.remove }

// Cleanup removes the directory if it was created by Make.
// Removal is retried a bounded number of times since the browser may still
// hold files open for a short while after it exits.
func (d *Dir) Cleanup() error {
	if !d.remove || d.Dir == "" {
		return nil
	}

	removeAll, attempts, backoff := d.removeAll, d.attempts, d.backoff
	if removeAll == nil {
		removeAll = os.RemoveAll
	}
	if attempts <= 0 {
		attempts = defaultRemoveAttempts
	}
	if backoff <= 0 {
		backoff = defaultRemoveBackoff
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = removeAll(d.Dir); err == nil || errors.Is(err, fs.ErrNotExist) {
			d.remove = false
			return nil
		}
		time.Sleep(backoff)
	}

	return pkgerrors.Wrapf(err, "removing profile directory %q after %d attempts", d.Dir, attempts)
}
