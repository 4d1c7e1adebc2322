package keeper

import (
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/process"
	"github.com/core-tools/hsu-keeper/pkg/processfile"
	"github.com/core-tools/hsu-keeper/pkg/supervisor"

	"gopkg.in/yaml.v3"
)

// DefaultHTTPAddress is where the control surface listens unless configured otherwise
const DefaultHTTPAddress = "127.0.0.1:50060"

// Options is the top-level structure of the keeper options file
type Options struct {
	Keeper  KeeperOptions  `yaml:"keeper"`
	Control ControlOptions `yaml:"control"`
}

// KeeperOptions configures the supervisor and its configuration store
type KeeperOptions struct {
	ConfigPath   string                  `yaml:"config_path"`
	BaseDir      string                  `yaml:"base_dir,omitempty"`
	LogLevel     string                  `yaml:"log_level,omitempty"`
	LogFormat    string                  `yaml:"log_format,omitempty"`
	LogOutput    string                  `yaml:"log_output,omitempty"`
	Cooldown     time.Duration           `yaml:"cooldown,omitempty"`
	GraceTimeout time.Duration           `yaml:"grace_timeout,omitempty"`
	CooldownMode supervisor.CooldownMode `yaml:"cooldown_mode,omitempty"`
	Interpreters map[string]string       `yaml:"interpreters,omitempty"`
	PIDDir       string                  `yaml:"pid_dir,omitempty"`
	PIDContext   string                  `yaml:"pid_context,omitempty"`
	Environment  []string                `yaml:"environment,omitempty"`
}

// ControlOptions configures the operation surface
type ControlOptions struct {
	HTTPAddress string `yaml:"http_address,omitempty"`
	GRPCPort    int    `yaml:"grpc_port,omitempty"`
	Disabled    bool   `yaml:"disabled,omitempty"`
}

// LoadOptionsFromFile loads keeper options from a YAML file and applies defaults
func LoadOptionsFromFile(filename string) (*Options, error) {
	options, err := ReadOptionsFile(filename)
	if err != nil {
		return nil, err
	}

	if err := setOptionsDefaults(options); err != nil {
		return nil, errors.NewValidationError("failed to apply options defaults", err)
	}

	return options, nil
}

// ReadOptionsFile parses a YAML options file without applying defaults,
// so callers can override fields that other defaults derive from
func ReadOptionsFile(filename string) (*Options, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read options file", err).WithContext("filename", filename)
	}

	var options Options
	if err := yaml.Unmarshal(data, &options); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML options", err).WithContext("filename", filename)
	}

	return &options, nil
}

// DefaultOptions returns the options used when no options file is given
func DefaultOptions(configPath string) (*Options, error) {
	options := &Options{Keeper: KeeperOptions{ConfigPath: configPath}}
	if err := setOptionsDefaults(options); err != nil {
		return nil, err
	}
	return options, nil
}

// ApplyDefaults fills every unset option; applying it twice is harmless
func ApplyDefaults(options *Options) error {
	return setOptionsDefaults(options)
}

func setOptionsDefaults(options *Options) error {
	k := &options.Keeper

	if k.ConfigPath != "" {
		absPath, err := filepath.Abs(k.ConfigPath)
		if err != nil {
			return errors.NewValidationError("invalid config path", err).WithContext("config_path", k.ConfigPath)
		}
		k.ConfigPath = absPath
		if k.BaseDir == "" {
			k.BaseDir = filepath.Dir(absPath)
		}
	}
	if k.LogLevel == "" {
		k.LogLevel = "info"
	}
	if k.LogFormat == "" {
		k.LogFormat = "console"
	}
	if k.LogOutput == "" {
		k.LogOutput = "stderr"
	}
	if k.Cooldown == 0 {
		k.Cooldown = supervisor.DefaultCooldown
	}
	if k.GraceTimeout == 0 {
		k.GraceTimeout = supervisor.DefaultGraceTimeout
	}
	if k.CooldownMode == "" {
		k.CooldownMode = supervisor.CooldownStall
	}

	if !options.Control.Disabled && options.Control.HTTPAddress == "" {
		options.Control.HTTPAddress = DefaultHTTPAddress
	}

	return nil
}

// ValidateOptions validates the entire options structure
func ValidateOptions(options *Options) error {
	if options == nil {
		return errors.NewValidationError("options cannot be nil", nil)
	}

	k := options.Keeper
	if k.ConfigPath == "" {
		return errors.NewValidationError("config path is required", nil)
	}
	if err := ValidateTimeout(k.Cooldown, "cooldown"); err != nil {
		return err
	}
	if err := ValidateTimeout(k.GraceTimeout, "grace"); err != nil {
		return err
	}
	if err := supervisor.ValidateOptions(supervisor.Options{CooldownMode: k.CooldownMode}); err != nil {
		return err
	}
	if err := ValidateLogLevel(k.LogLevel); err != nil {
		return err
	}
	if err := process.ValidateEnvironment(k.Environment); err != nil {
		return err
	}
	if k.PIDContext != "" {
		if _, err := processfile.ParseServiceContext(k.PIDContext); err != nil {
			return err
		}
	}

	if !options.Control.Disabled {
		if err := ValidateNetworkAddress(options.Control.HTTPAddress); err != nil {
			return errors.NewValidationError("invalid control HTTP address", err)
		}
	}
	if options.Control.GRPCPort != 0 {
		if err := ValidatePort(options.Control.GRPCPort); err != nil {
			return errors.NewValidationError("invalid gRPC health port", err)
		}
	}

	return nil
}
