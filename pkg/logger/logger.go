// Package logger provides component-scoped structured logging for RoomLoop.
// Every log line carries a component tag so a single coordinator process
// multiplexing many rooms stays greppable.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.SugaredLogger
)

func init() {
	base = build(zapcore.InfoLevel)
}

func build(level zapcore.Level) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core).Sugar()
}

// SetLevel reconfigures the global logger's minimum level.
// Unknown level strings fall back to info.
func SetLevel(level string) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	mu.Lock()
	base = build(parsed)
	mu.Unlock()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func flatten(component string, fields map[string]interface{}) []interface{} {
	kv := make([]interface{}, 0, 2+len(fields)*2)
	kv = append(kv, "component", component)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}

// --- Component logging API ---

// DebugC logs a debug message for a component.
func DebugC(component, msg string) {
	current().Debugw(msg, "component", component)
}

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	current().Debugw(msg, flatten(component, fields)...)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) {
	current().Infow(msg, "component", component)
}

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	current().Infow(msg, flatten(component, fields)...)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) {
	current().Warnw(msg, "component", component)
}

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	current().Warnw(msg, flatten(component, fields)...)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) {
	current().Errorw(msg, "component", component)
}

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	current().Errorw(msg, flatten(component, fields)...)
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() {
	_ = current().Sync()
}
