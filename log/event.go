package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LogEvent collects fields for one log line. A nil *LogEvent is valid and
// every method on it is a no-op, so disabled levels cost one branch:
//
//	log.Debug().Str("peer", id).Msg("connected")
type LogEvent struct {
	logger *GameLogger
	level  Level
	fields []zap.Field
}

func newEvent(logger *GameLogger) *LogEvent {
	return &LogEvent{logger: logger, fields: make([]zap.Field, 0, 8)}
}

// Reset clears the event for reuse from the pool.
func (e *LogEvent) Reset() {
	for i := range e.fields {
		e.fields[i] = zap.Field{}
	}
	e.fields = e.fields[:0]
	e.level = InfoLevel
}

func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.String(key, val))
	return e
}

func (e *LogEvent) Strs(key string, vals []string) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Strings(key, vals))
	return e
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Int(key, val))
	return e
}

func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Int64(key, val))
	return e
}

func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Uint32(key, val))
	return e
}

func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Uint64(key, val))
	return e
}

func (e *LogEvent) Float64(key string, val float64) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Float64(key, val))
	return e
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Bool(key, val))
	return e
}

func (e *LogEvent) Dur(key string, val time.Duration) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Duration(key, val))
	return e
}

func (e *LogEvent) Time(key string, val time.Time) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Time(key, val))
	return e
}

// Stringer is evaluated only when the line is written.
func (e *LogEvent) Stringer(key string, val fmt.Stringer) *LogEvent {
	if e == nil {
		return e
	}
	if val == nil {
		e.fields = append(e.fields, zap.String(key, "<nil>"))
		return e
	}
	e.fields = append(e.fields, zap.Stringer(key, val))
	return e
}

func (e *LogEvent) Any(key string, val any) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Any(key, val))
	return e
}

// Err adds the error under "error". A nil error is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	e.fields = append(e.fields, zap.Error(err))
	return e
}

// Msg writes the event and returns it to the pool. The event must not be
// used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.logger.OnEventEnd(e, msg)
}

func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.OnEventEnd(e, fmt.Sprintf(format, args...))
}

// Send writes the event with an empty message.
func (e *LogEvent) Send() {
	e.Msg("")
}
