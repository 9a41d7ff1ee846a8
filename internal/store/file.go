package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileStore keeps blobs as files on an afero filesystem. Writes go to a
// temporary sibling first and are renamed into place, so readers never see a
// partially written file.
type FileStore struct {
	fs   afero.Fs
	perm os.FileMode
}

// NewFileStore wraps fs. Files are created with mode 0600.
func NewFileStore(fs afero.Fs) *FileStore {
	return &FileStore{fs: fs, perm: 0o600}
}

// NewOSFileStore stores files on the host filesystem.
func NewOSFileStore() *FileStore {
	return NewFileStore(afero.NewOsFs())
}

// ReadFile returns the file contents; a missing file yields an error matching fs.ErrNotExist.
func (s *FileStore) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(s.fs, path)
}

// WriteFile atomically replaces path with data.
func (s *FileStore) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Chmod(tmpName, s.perm); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes path; a missing file is not an error.
func (s *FileStore) DeleteFile(path string) error {
	err := s.fs.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
