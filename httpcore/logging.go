package httpcore

import (
	"sync"

	"github.com/joeycumines/thorio/loop"
)

// Package-level logger, mirroring loop.SetStructuredLogger and
// tcp.SetStructuredLogger so a host process wires all three layers to
// the same destination.
var globalLogger struct {
	sync.RWMutex
	logger loop.Logger
}

// SetStructuredLogger installs the package-wide logger consulted by
// every HttpClient and HttpServer.
func SetStructuredLogger(logger loop.Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

func getGlobalLogger() loop.Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	if globalLogger.logger != nil {
		return globalLogger.logger
	}
	return loop.NewNoOpLogger()
}

func logWarn(category, message string, err error) {
	l := getGlobalLogger()
	if !l.IsEnabled(loop.LevelWarn) {
		return
	}
	l.Log(loop.LogEntry{Level: loop.LevelWarn, Category: category, Message: message, Err: err})
}

func logDebug(category, message string, fields map[string]any) {
	l := getGlobalLogger()
	if !l.IsEnabled(loop.LevelDebug) {
		return
	}
	l.Log(loop.LogEntry{Level: loop.LevelDebug, Category: category, Message: message, Context: fields})
}
