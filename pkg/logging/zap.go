package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig selects how the zap backend encodes and where it writes
type ZapConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "console" (default), "json"
	Output string // "stderr" (default), "stdout", or a file path
	Caller bool   // Include caller information
}

// ZapLogger is the zap-backed implementation of Logger used by the keeper binaries
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	closer func() error
}

// NewZapLogger creates a Logger writing through zap
func NewZapLogger(config ZapConfig) (*ZapLogger, error) {
	level, err := zapLevelFromString(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.LevelKey = "level"

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	closer := func() error { return nil }

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stderr", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	case "stdout":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", config.Output, err)
		}
		writeSyncer = zapcore.Lock(zapcore.AddSync(file))
		closer = file.Close
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(3))
	}

	zapLogger := zap.New(zapcore.NewCore(encoder, writeSyncer, level), opts...)

	return &ZapLogger{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
		closer: closer,
	}, nil
}

func (z *ZapLogger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case LogLevelWarn:
		z.sugar.Warnf(format, args...)
	case LogLevelError:
		z.sugar.Errorf(format, args...)
	default:
		z.sugar.Infof(format, args...)
	}
}

func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

func (z *ZapLogger) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}

func (z *ZapLogger) Warnf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

func (z *ZapLogger) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

// Sync flushes buffered entries and closes the output file, if any
func (z *ZapLogger) Sync() error {
	// Syncing stderr/stdout returns EINVAL on some platforms; only the close error matters
	_ = z.logger.Sync()
	return z.closer()
}

// zap v1.20.0 has no zapcore.ParseLevel
func zapLevelFromString(levelStr string) (zapcore.Level, error) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		return zapcore.InfoLevel, err
	}
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, nil
	}
}
