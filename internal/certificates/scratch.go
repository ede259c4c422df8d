package certificates

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const (
	scratchDirectoryPattern = "ciprovision-"
	scratchFilePermissions  = 0o600
)

// Scratch owns a private temporary directory for key material written during one run.
// Callers defer Cleanup right after NewScratch so the directory is removed on every exit path.
type Scratch struct {
	fileSystem FileSystem
	directory  string
	once       sync.Once
	cleanupErr error
}

// NewScratch creates the scratch directory under parent, or under the system temporary directory when parent is empty.
func NewScratch(fileSystem FileSystem, parent string) (*Scratch, error) {
	directory, err := fileSystem.MakeTemporaryDirectory(parent, scratchDirectoryPattern)
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	return &Scratch{fileSystem: fileSystem, directory: directory}, nil
}

// Directory returns the scratch directory path.
func (scratch *Scratch) Directory() string {
	return scratch.directory
}

// Reserve returns a unique path inside the scratch directory without creating the file.
func (scratch *Scratch) Reserve(extension string) string {
	return filepath.Join(scratch.directory, uuid.NewString()+extension)
}

// Write stores content under a unique name and returns its path.
func (scratch *Scratch) Write(extension string, content []byte) (string, error) {
	path := scratch.Reserve(extension)
	if err := scratch.fileSystem.WriteFile(path, content, scratchFilePermissions); err != nil {
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	return path, nil
}

// Cleanup removes the scratch directory. Calling it more than once is safe.
func (scratch *Scratch) Cleanup() error {
	scratch.once.Do(func() {
		if err := scratch.fileSystem.RemoveAll(scratch.directory); err != nil {
			scratch.cleanupErr = fmt.Errorf("remove scratch directory: %w", err)
		}
	})
	return scratch.cleanupErr
}
