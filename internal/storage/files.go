/**
 * @description
 * Protected local storage for generated NACHA files and encrypted KYC
 * documents. Directories are created 0700 and files written 0600 through a
 * temp-file rename so a crash never leaves a half-written batch file.
 *
 * @dependencies
 * - github.com/spf13/afero: filesystem abstraction (OS in production, memory in tests).
 */
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	dirPerm  fs.FileMode = 0o700
	filePerm fs.FileMode = 0o600
)

var ErrInvalidName = errors.New("invalid storage file name")

// FileStore writes files under a single protected root.
type FileStore struct {
	fs   afero.Fs
	root string
}

// NewFileStore creates root with owner-only permissions.
func NewFileStore(fsys afero.Fs, root string) (*FileStore, error) {
	root = filepath.Clean(root)
	if err := fsys.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if err := fsys.Chmod(root, dirPerm); err != nil {
		return nil, fmt.Errorf("protect storage root: %w", err)
	}
	return &FileStore{fs: fsys, root: root}, nil
}

// Fs exposes the underlying filesystem for transports reading stored files.
func (s *FileStore) Fs() afero.Fs {
	return s.fs
}

// Root returns the storage directory.
func (s *FileStore) Root() string {
	return s.root
}

// Path resolves a relative name inside the root.
func (s *FileStore) Path(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.root, clean), nil
}

// Write stores data atomically and returns the absolute path.
func (s *FileStore) Write(name string, data []byte) (string, error) {
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, filePerm); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("commit %s: %w", name, err)
	}
	return path, nil
}

// Read loads a stored file by relative name.
func (s *FileStore) Read(name string) ([]byte, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, path)
}

// ReadPath loads a file by the absolute path Write returned.
func (s *FileStore) ReadPath(path string) ([]byte, error) {
	if !s.contains(path) {
		return nil, fmt.Errorf("%w: %q outside storage root", ErrInvalidName, path)
	}
	return afero.ReadFile(s.fs, path)
}

// Exists reports whether a relative name is stored.
func (s *FileStore) Exists(name string) (bool, error) {
	path, err := s.Path(name)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, path)
}

// RemovePath deletes a file by absolute path. Missing files are not an error.
func (s *FileStore) RemovePath(path string) error {
	if !s.contains(path) {
		return fmt.Errorf("%w: %q outside storage root", ErrInvalidName, path)
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) contains(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// BatchFileName is ACH_{YYYYMMDD}_{HHMMSS}_{batchID}.ach.
func BatchFileName(now time.Time, batchID uuid.UUID) string {
	return fmt.Sprintf("ACH_%s_%s.ach", now.Format("20060102_150405"), batchID)
}
