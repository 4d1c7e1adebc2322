package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/process"
)

// DefaultAppName names the PID file subdirectory
const DefaultAppName = "hsu-keeper"

// ServiceContext selects the OS default directory for PID files
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

// ParseServiceContext accepts "system", "user" or "session"
func ParseServiceContext(value string) (ServiceContext, error) {
	switch context := ServiceContext(value); context {
	case SystemService, UserService, SessionService:
		return context, nil
	default:
		return "", errors.NewValidationError("unsupported PID file context: "+value, nil).
			WithContext("pid_context", value)
	}
}

// Config controls where per-worker PID files are written
type Config struct {
	// BaseDirectory overrides the OS default of ServiceContext
	BaseDirectory string

	ServiceContext ServiceContext

	AppName string

	// UseSubdirectory places the files under AppName inside the base directory
	UseSubdirectory bool
}

// Manager writes, reads and removes one PID file per worker slot
type Manager struct {
	config Config
	logger logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	return &Manager{
		config: config,
		logger: logger,
	}
}

// PIDFilePath returns the PID file of a slot
func (m *Manager) PIDFilePath(name string) string {
	baseDir := m.baseDirectory()
	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}
	return filepath.Join(baseDir, name+".pid")
}

func (m *Manager) WritePIDFile(name string, pid int) error {
	path := m.PIDFilePath(name)

	if err := ensureDirectory(path); err != nil {
		m.logger.Errorf("PID file directory validation failed, worker: %s, path: %s, error: %v", name, path, err)
		return err
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	m.logger.Debugf("PID file written, worker: %s, pid: %d, path: %s", name, pid, path)
	return nil
}

func (m *Manager) ReadPIDFile(name string) (int, error) {
	path := m.PIDFilePath(name)

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pid, err := process.ValidatePID(string(content))
	if err != nil {
		return 0, errors.NewValidationError("invalid PID file content", err).WithContext("pid_file", path)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file of a slot; a missing file is not an error
func (m *Manager) RemovePIDFile(name string) error {
	path := m.PIDFilePath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	m.logger.Debugf("PID file removed, worker: %s, path: %s", name, path)
	return nil
}

func (m *Manager) baseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		return systemServiceDirectory()
	case SessionService:
		return sessionServiceDirectory()
	default:
		return userServiceDirectory()
	}
}

func systemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

func sessionServiceDirectory() string {
	if runtime.GOOS == "linux" {
		sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if _, err := os.Stat(sessionDir); err == nil {
			return sessionDir
		}
	}
	return os.TempDir()
}

// ensureDirectory creates the parent directory of path when missing
func ensureDirectory(path string) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
		return nil
	case err != nil:
		return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
	case !info.IsDir():
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}
	return nil
}
