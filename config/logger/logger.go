// Package logger builds the dispatcher's zap logger. Records below error go to stdout,
// errors to stderr, and the level follows logger.level in the watched config file.
package logger

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ComponentKey tags every record with the subsystem that wrote it
const ComponentKey = "component"

// atomicLevel is shared by every logger built here so a config reload reaches all of them
var atomicLevel = zap.NewAtomicLevel()

// Build sets the level from config, installs the logger as the zap global and
// starts following logger.level in the config file
func Build(cfg *config.Logger) *zap.Logger {
	if err := atomicLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		log.Fatalf("Couldn't parse initial atomic level at logger build: %v", err)
	}

	logger := New(cfg, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
	zap.ReplaceGlobals(logger)

	viper.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&(fsnotify.Create) == 0 {
			if err := SetLevel(viper.GetString("logger.level")); err != nil {
				zap.L().Error("Couldn't parse level", zap.Error(err))
			}
		}
	})
	viper.WatchConfig()
	return logger
}

// New tees a low-priority core onto out and an error core onto errOut. It neither
// replaces the globals nor watches the config.
func New(cfg *config.Logger, out, errOut zapcore.WriteSyncer) *zap.Logger {
	encoder := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	}

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	opts := []zap.Option{zap.AddCaller()}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return zap.New(zapcore.NewTee(
		zapcore.NewCore(encoder, out, lowPriority),
		zapcore.NewCore(encoder, errOut, highPriority),
	), opts...)
}

// Component names a subsystem logger and stamps the component field on its records
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.Named(name).With(zap.String(ComponentKey, name))
}

// SetLevel changes the level of every logger built by this package
func SetLevel(level string) error {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	atomicLevel.SetLevel(l)
	zap.L().Info("Atomic level updated", zap.String("value", level))
	return nil
}

// Level reports the current level
func Level() zapcore.Level {
	return atomicLevel.Level()
}
