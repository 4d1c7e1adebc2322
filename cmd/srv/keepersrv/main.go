package main

import (
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/keeper"
	"github.com/core-tools/hsu-keeper/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	OptionsFile string `long:"options" description:"path to the keeper options file (YAML)"`
	ConfigFile  string `long:"config" description:"path to the configuration document (JSON)"`
	HTTPAddress string `long:"http" description:"control HTTP address, e.g. 127.0.0.1:50060"`
	GRPCPort    int    `long:"grpc-port" description:"gRPC health port (0 disables it)"`
	LogLevel    string `long:"log-level" description:"debug, info, warn or error"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds (0 runs until signalled)"`
	Check       bool   `long:"check" description:"validate the configuration document and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	options, err := loadOptions(opts)
	if err != nil {
		fmt.Printf("Failed to load options: %v\n", err)
		os.Exit(1)
	}

	if opts.Check {
		if err := keeper.ValidateConfigFile(options.Keeper.ConfigPath); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration is valid: %s\n", options.Keeper.ConfigPath)
		return
	}

	zapLogger, err := logging.NewZapLogger(logging.ZapConfig{
		Level:  options.Keeper.LogLevel,
		Format: options.Keeper.LogFormat,
		Output: options.Keeper.LogOutput,
	})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	keeperLogger := logging.NewLogger(
		logPrefix("hsu-keeper"), logging.LogFuncs{
			Debugf: zapLogger.Debugf,
			Infof:  zapLogger.Infof,
			Warnf:  zapLogger.Warnf,
			Errorf: zapLogger.Errorf,
		})

	keeperLogger.Infof("opts: %+v", opts)

	err = keeper.Run(time.Duration(opts.RunDuration)*time.Second, options, keeperLogger)
	if err != nil {
		keeperLogger.Errorf("Keeper failed: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

// loadOptions reads the options file, if any, and lets flags override it
func loadOptions(opts flagOptions) (*keeper.Options, error) {
	var options *keeper.Options
	var err error

	if opts.OptionsFile != "" {
		// Defaults are applied after the overrides so base_dir is derived from the final config path
		options, err = keeper.ReadOptionsFile(opts.OptionsFile)
		if err != nil {
			return nil, err
		}
		if opts.ConfigFile != "" {
			options.Keeper.ConfigPath = opts.ConfigFile
		}
	} else {
		if opts.ConfigFile == "" {
			return nil, fmt.Errorf("either --options or --config is required")
		}
		options, err = keeper.DefaultOptions(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
	}

	if opts.HTTPAddress != "" {
		options.Control.HTTPAddress = opts.HTTPAddress
	}
	if opts.GRPCPort != 0 {
		options.Control.GRPCPort = opts.GRPCPort
	}
	if opts.LogLevel != "" {
		options.Keeper.LogLevel = opts.LogLevel
	}

	if err := keeper.ApplyDefaults(options); err != nil {
		return nil, err
	}
	if err := keeper.ValidateOptions(options); err != nil {
		return nil, err
	}
	return options, nil
}
