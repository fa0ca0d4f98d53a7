package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lcx/octopus/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level Level) (*GameLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewLoggerWithCore(core, &LogCfg{LogLevel: level}), logs
}

func TestLogger_WritesFields(t *testing.T) {
	logger, logs := newObservedLogger(DebugLevel)

	logger.Info().
		Str("addr", "127.0.0.1:9100").
		Uint64("peer", 7).
		Int("frames", 3).
		Bool("server", true).
		Dur("delay", 2*time.Second).
		Err(errors.New("boom")).
		Msg("node active")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "node active", entry.Message)
	assert.Equal(t, zapcore.InfoLevel, entry.Level)

	fields := entry.ContextMap()
	assert.Equal(t, "127.0.0.1:9100", fields["addr"])
	assert.Equal(t, uint64(7), fields["peer"])
	assert.Equal(t, int64(3), fields["frames"])
	assert.Equal(t, true, fields["server"])
	assert.Equal(t, 2*time.Second, fields["delay"])
	assert.Equal(t, "boom", fields["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, logs := newObservedLogger(WarnLevel)

	assert.Nil(t, logger.Debug())
	assert.Nil(t, logger.Info())
	logger.Info().Str("k", "v").Msg("dropped")

	logger.Warn().Msg("kept")
	logger.Error().Msgf("kept %d", 2)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
	assert.Equal(t, "kept 2", logs.All()[1].Message)
}

func TestLogEvent_NilSafe(t *testing.T) {
	var e *LogEvent
	assert.NotPanics(t, func() {
		e.Str("a", "b").Int("c", 1).Err(errors.New("x")).Any("d", struct{}{}).Msg("nothing")
		e.Msgf("%d", 1)
		e.Send()
	})
}

func TestLogger_With(t *testing.T) {
	logger, logs := newObservedLogger(InfoLevel)
	nodeLogger := logger.With("node", uint64(4)).With("channel", "chat")

	nodeLogger.Info().Str("state", "active").Msg("state changed")
	logger.Info().Msg("root")

	require.Equal(t, 2, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, uint64(4), fields["node"])
	assert.Equal(t, "chat", fields["channel"])
	assert.Equal(t, "active", fields["state"])
	assert.NotContains(t, logs.All()[1].ContextMap(), "node")
}

func TestLogger_FatalPanicsAfterWrite(t *testing.T) {
	logger, logs := newObservedLogger(InfoLevel)

	assert.Panics(t, func() {
		logger.Fatal().Msg("unrecoverable")
	})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "unrecoverable", logs.All()[0].Message)
}

func TestFileAppender_WriteAndLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "octopus.log")
	logger := NewLogger(&LogCfg{
		LogPath:      path,
		LogLevel:     InfoLevel,
		FileAppender: true,
		FileSplitMB:  1,
	})
	defer logger.Close()

	logger.Info().Str("protocol", "udp").Msg("hello-file")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello-file")
	assert.Contains(t, string(data), `"protocol":"udp"`)
}

func TestFileAppender_Concurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.log")
	logger := NewLogger(&LogCfg{
		LogPath:      path,
		LogLevel:     InfoLevel,
		FileAppender: true,
	})
	defer logger.Close()

	const goroutines, perGoroutine = 8, 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				logger.Info().Int("g", id).Int("i", i).Msg("line")
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, goroutines*perGoroutine, strings.Count(string(data), `"msg":"line"`))
}

func TestLoggerHotReloadLevel(t *testing.T) {
	logger, logs := newObservedLogger(InfoLevel)

	logger.Debug().Msg("before")
	assert.Equal(t, 0, logs.Len())

	require.NoError(t, logger.OnConfigChanged("logger", &LogCfg{LogLevel: DebugLevel}, logger.GetCurrentConfig()))
	assert.Equal(t, DebugLevel, logger.GetCurrentConfig().LogLevel)

	logger.Debug().Msg("after")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "after", logs.All()[0].Message)
}

func TestLoggerHotReloadIgnoresOtherConfigs(t *testing.T) {
	logger, _ := newObservedLogger(InfoLevel)

	require.NoError(t, logger.OnConfigChanged("net", &LogCfg{LogLevel: ErrorLevel}, nil))
	assert.Equal(t, InfoLevel, logger.GetCurrentConfig().LogLevel)
}

func TestLoggerHotReloadConcurrent(t *testing.T) {
	logger, _ := newObservedLogger(InfoLevel)
	levels := []Level{TraceLevel, DebugLevel, InfoLevel, WarnLevel, ErrorLevel}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(lv Level) {
			defer wg.Done()
			_ = logger.OnConfigChanged("logger", &LogCfg{LogLevel: lv}, logger.GetCurrentConfig())
		}(levels[i%len(levels)])
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				logger.Info().Int("j", j).Msg("spin")
			}
		}()
	}
	wg.Wait()

	assert.NotNil(t, logger.GetCurrentConfig())
}

func TestLevel_UnmarshalText(t *testing.T) {
	cases := map[string]Level{
		"trace":   TraceLevel,
		"DEBUG":   DebugLevel,
		"info":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
	}
	for text, want := range cases {
		var lv Level
		require.NoError(t, lv.UnmarshalText([]byte(text)), text)
		assert.Equal(t, want, lv, text)
	}

	var lv Level
	assert.Error(t, lv.UnmarshalText([]byte("loud")))
}

func TestLogCfg_Validate(t *testing.T) {
	assert.NoError(t, (&LogCfg{LogLevel: InfoLevel}).Validate())
	assert.Error(t, (&LogCfg{FileAppender: true}).Validate())
	assert.Error(t, (&LogCfg{Format: "xml"}).Validate())
	assert.Error(t, (&LogCfg{LogLevel: Level(42)}).Validate())
}

func TestInitializeWithConfigManager(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "init.log")
	body := fmt.Sprintf(`
path: %q
level: warn
fileAppender: true
consoleAppender: false
`, logPath)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logger.yaml"), []byte(body), 0644))

	cm := config.NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(dir)

	previous := Default()
	defer SetDefaultLogger(previous)

	require.NoError(t, InitializeWithConfigManager(cm))
	defer Default().Close()

	assert.Equal(t, WarnLevel, Default().GetCurrentConfig().LogLevel)
	assert.Nil(t, Info())

	Warn().Str("from", "package").Msg("configured")
	require.NoError(t, Default().Sync())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "configured")
}
