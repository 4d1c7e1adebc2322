package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
)

// ValidateLaunchSpec checks that a spec can be spawned on this host
func ValidateLaunchSpec(spec launch.LaunchSpec) error {
	if spec.Name == "" {
		return errors.NewValidationError("launch spec name is required", nil)
	}

	if spec.Target == "" {
		return errors.NewValidationError("target path is required", nil)
	}
	if !filepath.IsAbs(spec.Target) {
		return errors.NewValidationError("target path must be absolute: "+spec.Target, nil)
	}
	if info, err := os.Stat(spec.Target); err != nil {
		return errors.NewValidationError("target not found: "+spec.Target, err)
	} else if info.IsDir() {
		return errors.NewValidationError("target is a directory: "+spec.Target, nil)
	}

	if spec.WorkingDirectory != "" {
		if info, err := os.Stat(spec.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+spec.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+spec.WorkingDirectory, nil)
		}
	}

	return nil
}

// ValidateEnvironment checks "KEY=value" entries
func ValidateEnvironment(environment []string) error {
	for _, env := range environment {
		if !strings.Contains(env, "=") || strings.HasPrefix(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}
	return nil
}

// ValidatePID parses a positive PID
func ValidatePID(pidStr string) (int, error) {
	pidStr = strings.TrimSpace(pidStr)
	if pidStr == "" {
		return 0, errors.NewValidationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}
