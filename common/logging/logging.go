// Package logging provides the structured, named loggers used throughout
// the coordination core.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is a named, structured logger with an hclog-style call shape:
// Debug/Info/Warn/Error(msg string, keyvals ...interface{}) and
// With(keyvals ...interface{}) *Logger.
type Logger struct {
	name string
	s    *zap.SugaredLogger
}

var (
	baseMu sync.Mutex
	base   *zap.Logger
)

// SetDevelopment switches the process-wide base logger to a human-readable
// console encoder. Call before the first GetLogger. Defaults to JSON.
func SetDevelopment(dev bool) error {
	baseMu.Lock()
	defer baseMu.Unlock()

	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	base = l
	return nil
}

func getBase() *zap.Logger {
	baseMu.Lock()
	defer baseMu.Unlock()
	if base == nil {
		base, _ = zap.NewProduction()
		if base == nil {
			base = zap.NewNop()
		}
	}
	return base
}

// GetLogger returns a logger named for the given subsystem, e.g.
// "lockmgr" or "session".
func GetLogger(name string) *Logger {
	return &Logger{name: name, s: getBase().Named(name).Sugar()}
}

// With returns a child logger with the given key/value pairs bound to
// every subsequent call.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{name: l.name, s: l.s.With(keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
