package log

import (
	"errors"
	"strings"
)

// LogCfg is the `logger` configuration. It can be loaded through
// config.ConfigManager and hot-reloaded.
type LogCfg struct {
	// LogPath is the file written by the file appender. Rotated by size.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. Hot-reloadable.
	LogLevel Level `mapstructure:"level"`

	// Format is "json" (default) or "console".
	Format string `mapstructure:"format"`

	// FileSplitMB rotates the log file once it grows past this size.
	FileSplitMB int `mapstructure:"splitmb"`

	// MaxBackups and MaxAgeDays bound the rotated files that are kept.
	MaxBackups int `mapstructure:"maxBackups"`
	MaxAgeDays int `mapstructure:"maxAgeDays"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`

	// CallerSkip is added to the frames skipped when reporting the caller.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName implements config.Config.
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate implements config.Config.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return errors.New("log level out of range")
	}
	if cfg.FileAppender && strings.TrimSpace(cfg.LogPath) == "" {
		return errors.New("file appender needs a path")
	}
	if cfg.FileSplitMB < 0 || cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		return errors.New("rotation limits cannot be negative")
	}
	switch strings.ToLower(cfg.Format) {
	case "", "json", "console":
	default:
		return errors.New("format must be json or console")
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogPath:         "./octopus.log",
	LogLevel:        InfoLevel,
	Format:          "json",
	FileSplitMB:     50,
	MaxBackups:      3,
	MaxAgeDays:      7,
	FileAppender:    false,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
