package log

import (
	"github.com/lcx/octopus/config"
)

type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	OnEventEnd(e *LogEvent, msg string)
}

var _ Logger = (*GameLogger)(nil)

var _defaultLogger *GameLogger

func init() {
	_defaultLogger = NewLogger(nil)
}

// Default returns the package-level logger.
func Default() *GameLogger {
	return _defaultLogger
}

// Refresh flushes the default logger.
func Refresh() {
	_defaultLogger.Refresh()
}

// SetDefaultLogger replaces the logger behind the package-level functions.
// Call it during startup, before any goroutine logs.
func SetDefaultLogger(logger *GameLogger) {
	if logger == nil {
		return
	}
	_defaultLogger = logger
}

// InitializeWithConfigManager loads the "logger" configuration from
// configManager and installs a default logger that follows its changes.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the process-wide manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Trace() *LogEvent {
	return _defaultLogger.Trace()
}

func Debug() *LogEvent {
	return _defaultLogger.Debug()
}

func Info() *LogEvent {
	return _defaultLogger.Info()
}

func Warn() *LogEvent {
	return _defaultLogger.Warn()
}

func Error() *LogEvent {
	return _defaultLogger.Error()
}

// Fatal creates a fatal-level event on the default logger; it panics once
// written.
func Fatal() *LogEvent {
	return _defaultLogger.Fatal()
}
