package config

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-keeper/pkg/errors"
)

// WriteFileAtomic writes data next to path under a unique temporary name, syncs it and renames
// it over path, so readers observe either the old or the new content and never a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return errors.NewIOError("failed to create temporary file", err).WithContext("path", tmpPath)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to write temporary file", err).WithContext("path", tmpPath)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to sync temporary file", err).WithContext("path", tmpPath)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to close temporary file", err).WithContext("path", tmpPath)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to rename temporary file", err).WithContext("path", path)
	}

	return nil
}
