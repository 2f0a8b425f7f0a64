package logutil

import (
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer` at the root of a long-lived goroutine.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic", zap.Reflect("recover", e))
	}
}

// RecoverPanic logs the panic reason and stack and keeps the process running.
// It is used around user supplied callbacks, whose panics must not take the node down.
func RecoverPanic(logger *zap.Logger, msg string) {
	if e := recover(); e != nil {
		logger.Error(msg, zap.Reflect("recover", e), zap.Stack("stack"))
	}
}
