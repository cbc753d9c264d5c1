package internal

import (
	"fmt"
	"sync"
)

// LogLevel represents the severity of a core log message.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarning:
		return "WARN"
	case LogError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogFunc receives log messages emitted by the patch core. The core never
// writes to stdout/stderr itself; the embedding CLI or GUI decides where
// messages go.
type LogFunc func(level LogLevel, message string)

var (
	logMu      sync.RWMutex
	logHandler LogFunc
)

// SetLogHandler installs the process-wide log sink. Passing nil silences the
// core.
func SetLogHandler(fn LogFunc) {
	logMu.Lock()
	logHandler = fn
	logMu.Unlock()
}

func logf(level LogLevel, format string, args ...any) {
	logMu.RLock()
	fn := logHandler
	logMu.RUnlock()
	if fn == nil {
		return
	}
	fn(level, fmt.Sprintf(format, args...))
}
