package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister persists files to the local disk.
// Relative paths are resolved against BaseDir, or the working directory when
// BaseDir is empty.
type LocalFilePersister struct {
	BaseDir string
}

// Persist writes data to path. The file is written next to its destination
// and renamed into place, so readers never observe a partial screenshot.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persisting %q: %w", path, err)
	}

	cp := l.resolve(path)
	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(cp)+".*")
	if err != nil {
		return fmt.Errorf("creating a temporary file in %q: %w", dir, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(f, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %q: %w", cp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing the local file %q: %w", cp, err)
	}
	if err = os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("setting permissions of %q: %w", cp, err)
	}
	if err = os.Rename(tmp, cp); err != nil {
		return fmt.Errorf("moving %q into place: %w", cp, err)
	}

	return nil
}

func (l *LocalFilePersister) resolve(path string) string {
	cp := filepath.Clean(path)
	if filepath.IsAbs(cp) || l.BaseDir == "" {
		return cp
	}
	return filepath.Join(l.BaseDir, cp)
}
