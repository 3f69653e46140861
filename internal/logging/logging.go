package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = newLogger(false)
)

// Init configures the process-wide logger. Call once at startup;
// debug enables Debug-level output.
func Init(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(debug)
}

func newLogger(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}

// Debug logs at debug level. Arguments may mix printf verbs and zap fields:
// leading non-field args are formatted into msg, trailing zap.Fields are
// attached structured.
func Debug(msg string, args ...interface{}) {
	m, fields := split(msg, args)
	get().Debug(m, fields...)
}

// Info logs at info level.
func Info(msg string, args ...interface{}) {
	m, fields := split(msg, args)
	get().Info(m, fields...)
}

// Warn logs at warn level.
func Warn(msg string, args ...interface{}) {
	m, fields := split(msg, args)
	get().Warn(m, fields...)
}

// Error logs at error level.
func Error(msg string, args ...interface{}) {
	m, fields := split(msg, args)
	get().Error(m, fields...)
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// split separates printf arguments from zap fields. Fields may only trail:
// everything before the first zap.Field is treated as a printf argument.
func split(msg string, args []interface{}) (string, []zap.Field) {
	if len(args) == 0 {
		return msg, nil
	}

	cut := len(args)
	for i := len(args) - 1; i >= 0; i-- {
		if _, ok := args[i].(zap.Field); !ok {
			break
		}
		cut = i
	}

	fields := make([]zap.Field, 0, len(args)-cut)
	for _, a := range args[cut:] {
		fields = append(fields, a.(zap.Field))
	}

	if cut > 0 {
		msg = fmt.Sprintf(msg, args[:cut]...)
	}
	return msg, fields
}
