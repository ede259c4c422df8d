package certificates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileSystem abstracts the file operations used while provisioning.
type FileSystem interface {
	EnsureDirectory(path string, permissions fs.FileMode) error
	WriteFile(path string, content []byte, permissions fs.FileMode) error
	ReadFile(path string) ([]byte, error)
	FileExists(path string) (bool, error)
	RemoveAll(path string) error
	MakeTemporaryDirectory(parent string, pattern string) (string, error)
}

// OperatingSystemFileSystem implements FileSystem on top of the os package.
type OperatingSystemFileSystem struct{}

// NewOperatingSystemFileSystem constructs an OperatingSystemFileSystem.
func NewOperatingSystemFileSystem() OperatingSystemFileSystem {
	return OperatingSystemFileSystem{}
}

// EnsureDirectory creates the directory and its parents when missing.
func (OperatingSystemFileSystem) EnsureDirectory(path string, permissions fs.FileMode) error {
	return os.MkdirAll(path, permissions)
}

// WriteFile replaces the file content and applies the permissions even when the file already existed.
func (OperatingSystemFileSystem) WriteFile(path string, content []byte, permissions fs.FileMode) error {
	if err := os.WriteFile(path, content, permissions); err != nil {
		return err
	}
	return os.Chmod(path, permissions)
}

// ReadFile returns the file content.
func (OperatingSystemFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// FileExists reports whether a regular file exists at path.
func (OperatingSystemFileSystem) FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// RemoveAll deletes the path and everything below it.
func (OperatingSystemFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// MakeTemporaryDirectory creates a new private directory under parent (the system default when empty).
func (OperatingSystemFileSystem) MakeTemporaryDirectory(parent string, pattern string) (string, error) {
	return os.MkdirTemp(parent, pattern)
}
