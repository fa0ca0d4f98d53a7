package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lcx/octopus/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// GameLogger is a leveled logger with a chained, allocation-light event API
// on top of zap. Loggers derived with With share the level, the outputs and
// the hot-reload state of their parent.
//
// Example usage:
//
//	logger := NewLogger(&LogCfg{
//	    LogLevel:        InfoLevel,
//	    ConsoleAppender: true,
//	})
//	logger.Info().Str("addr", "127.0.0.1:9100").Int("peers", 2).Msg("node active")
type GameLogger struct {
	state  *loggerState
	fields []zap.Field
}

type loggerState struct {
	minLevel      atomic.Uint32
	zapLevel      zap.AtomicLevel
	sink          atomic.Pointer[sink]
	customCore    zapcore.Core
	configMutex   sync.RWMutex
	currentConfig *LogCfg
	configManager config.ConfigManager
	eventPool     sync.Pool
}

// sink is one generation of outputs. Reload swaps the whole sink.
type sink struct {
	logger  *zap.Logger
	closers []io.Closer
}

func (s *sink) close() {
	_ = s.logger.Sync()
	for _, c := range s.closers {
		_ = c.Close()
	}
}

// NewLogger creates a GameLogger writing to the appenders enabled in cfg.
// A nil cfg uses the defaults (console only, info level).
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	return newGameLogger(cfg, nil)
}

// NewLoggerWithCore creates a GameLogger that writes to core instead of the
// appenders named in cfg. Level filtering still follows cfg.
func NewLoggerWithCore(core zapcore.Core, cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	return newGameLogger(cfg, core)
}

// NewLoggerWithConfigManager creates a logger that follows changes of the
// "logger" configuration in configManager.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.state.configManager = configManager
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

func newGameLogger(cfg *LogCfg, core zapcore.Core) *GameLogger {
	st := &loggerState{
		zapLevel:      zap.NewAtomicLevelAt(cfg.LogLevel.zapLevel()),
		customCore:    core,
		currentConfig: cfg,
	}
	st.minLevel.Store(uint32(cfg.LogLevel))
	st.sink.Store(st.buildSink(cfg))

	logger := &GameLogger{state: st}
	st.eventPool.New = func() any {
		return newEvent(logger)
	}
	return logger
}

func (st *loggerState) buildSink(cfg *LogCfg) *sink {
	var (
		cores   []zapcore.Core
		closers []io.Closer
	)
	if st.customCore != nil {
		cores = append(cores, st.customCore)
	} else {
		if cfg.ConsoleAppender {
			cores = append(cores, zapcore.NewCore(newEncoder(cfg), zapcore.Lock(os.Stdout), st.zapLevel))
		}
		if cfg.FileAppender {
			lj := &lumberjack.Logger{
				Filename:   cfg.LogPath,
				MaxSize:    max(cfg.FileSplitMB, 1),
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
			cores = append(cores, zapcore.NewCore(newEncoder(cfg), zapcore.AddSync(lj), st.zapLevel))
			closers = append(closers, lj)
		}
	}

	// Frames between zap.Logger.Check and the caller: OnEventEnd, Msg.
	opts := []zap.Option{zap.AddCallerSkip(2 + cfg.CallerSkip)}
	if cfg.EnabledCallerInfo {
		opts = append(opts, zap.AddCaller())
	}
	return &sink{logger: zap.New(zapcore.NewTee(cores...), opts...), closers: closers}
}

func newEncoder(cfg *LogCfg) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(cfg.Format, "console") {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

// OnConfigChanged implements config.ConfigChangeListener for the "logger"
// configuration.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	x.updateConfig(newLogCfg)
	return nil
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	st := x.state
	st.configMutex.Lock()
	defer st.configMutex.Unlock()

	st.minLevel.Store(uint32(newCfg.LogLevel))
	st.zapLevel.SetLevel(newCfg.LogLevel.zapLevel())
	st.currentConfig = newCfg

	old := st.sink.Swap(st.buildSink(newCfg))
	if old != nil && st.customCore == nil {
		old.close()
	}
}

// GetCurrentConfig returns the configuration in effect.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.state.configMutex.RLock()
	defer x.state.configMutex.RUnlock()
	return x.state.currentConfig
}

// With returns a logger that adds key=value to every event.
func (x *GameLogger) With(key string, value any) *GameLogger {
	fields := make([]zap.Field, len(x.fields), len(x.fields)+1)
	copy(fields, x.fields)
	return &GameLogger{
		state:  x.state,
		fields: append(fields, zap.Any(key, value)),
	}
}

// Zap exposes the current zap logger for libraries that want one.
func (x *GameLogger) Zap() *zap.Logger {
	return x.state.sink.Load().logger.With(x.fields...)
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.state.minLevel.Load()) <= level
}

// IgnoreCheckLevel reports whether level filtering is bypassed. Never for
// GameLogger.
func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

// Refresh flushes buffered output.
func (x *GameLogger) Refresh() {
	_ = x.Sync()
}

// Sync flushes buffered output.
func (x *GameLogger) Sync() error {
	return x.state.sink.Load().logger.Sync()
}

// Close flushes and releases the log files. Only the root logger should be
// closed.
func (x *GameLogger) Close() error {
	x.state.configMutex.Lock()
	defer x.state.configMutex.Unlock()
	s := x.state.sink.Swap(&sink{logger: zap.NewNop()})
	if s != nil {
		s.close()
	}
	return nil
}

func (x *GameLogger) newEvent(level Level) *LogEvent {
	e := x.state.eventPool.Get().(*LogEvent)
	e.Reset()
	e.logger = x
	e.level = level
	return e
}

// OnEventEnd writes e and puts it back in the pool. A Fatal event panics
// after it is written.
func (x *GameLogger) OnEventEnd(e *LogEvent, msg string) {
	s := x.state.sink.Load()
	if ce := s.logger.Check(e.level.zapLevel(), msg); ce != nil {
		fields := e.fields
		if len(x.fields) > 0 {
			fields = make([]zap.Field, 0, len(x.fields)+len(e.fields))
			fields = append(fields, x.fields...)
			fields = append(fields, e.fields...)
		}
		ce.Write(fields...)
	}
	e.Reset()
	x.state.eventPool.Put(e)
}

func (x *GameLogger) log(level Level) *LogEvent {
	if !x.IgnoreCheckLevel() && !x.checkLevel(level) {
		return nil
	}
	return x.newEvent(level)
}

func (x *GameLogger) Trace() *LogEvent {
	return x.log(TraceLevel)
}

func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal events panic once written. Nothing in this module calls it on I/O
// paths.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}
