package supervisor

import (
	"context"
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-keeper/pkg/config"
	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
)

// Deployer persists a new worker artifact before the worker is restarted
type Deployer interface {
	Deploy(ctx context.Context, spec launch.LaunchSpec, artifact []byte) error
}

// FileDeployer replaces the target file in place.
// The previous artifact is kept next to it with a ".bak" suffix.
type FileDeployer struct {
	logger logging.Logger
}

func NewFileDeployer(logger logging.Logger) *FileDeployer {
	return &FileDeployer{logger: logger}
}

// BackupPath returns where the previous artifact of target is kept
func BackupPath(target string) string {
	return target + ".bak"
}

func (d *FileDeployer) Deploy(ctx context.Context, spec launch.LaunchSpec, artifact []byte) error {
	if len(artifact) == 0 {
		return errors.NewValidationError("artifact cannot be empty", nil).WithContext("name", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("deployment cancelled", err).WithContext("name", spec.Name)
	}

	target := spec.Target
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.NewIOError("failed to create artifact directory", err).WithContext("path", filepath.Dir(target))
	}

	mode := os.FileMode(0644)
	if spec.Interpreter == "" {
		mode = 0755
	}

	previous, err := os.ReadFile(target)
	switch {
	case err == nil:
		if info, statErr := os.Stat(target); statErr == nil {
			mode = info.Mode().Perm()
		}
		if err := config.WriteFileAtomic(BackupPath(target), previous, mode); err != nil {
			return errors.NewIOError("failed to back up previous artifact", err).WithContext("path", target)
		}
	case os.IsNotExist(err):
		d.logger.Infof("No previous artifact to back up, path: %s", target)
	default:
		return errors.NewIOError("failed to read previous artifact", err).WithContext("path", target)
	}

	if err := config.WriteFileAtomic(target, artifact, mode); err != nil {
		return err
	}

	d.logger.Infof("Artifact deployed, name: %s, path: %s, bytes: %d", spec.Name, target, len(artifact))
	return nil
}
