package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/v2rayA/beego/v2/logs"
)

var (
	logger *logs.BeeLogger
	mu     sync.RWMutex
)

// ParseLevel converts a textual level into the beego level. Unknown values fall back to info.
func ParseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return logs.LevelDebug
	case "warn", "warning":
		return logs.LevelWarning
	case "error":
		return logs.LevelError
	default:
		return logs.LevelInformational
	}
}

// InitLog sets up the global logger. logWay is "console" or "file".
func InitLog(logWay string, logFile string, logLevel string, maxDays int64, disableColor bool) {
	level := ParseLevel(logLevel)
	l := logs.NewLogger()
	l.EnableFuncCallDepth(true)
	l.SetLogFuncCallDepth(3)
	var err error
	switch logWay {
	case "file":
		err = l.SetLogger(logs.AdapterFile, fmt.Sprintf(`{"filename":%q,"maxdays":%v,"level":%v}`, logFile, maxDays, level))
	default:
		err = l.SetLogger(logs.AdapterConsole, fmt.Sprintf(`{"level":%v,"color":%v}`, level, !disableColor))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

func get() *logs.BeeLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = logs.NewLogger()
		logger.EnableFuncCallDepth(true)
		logger.SetLogFuncCallDepth(3)
		_ = logger.SetLogger(logs.AdapterConsole, fmt.Sprintf(`{"level":%v,"color":true}`, logs.LevelInformational))
	}
	return logger
}

func Trace(format string, v ...interface{}) {
	get().Debug(format, v...)
}

func Debug(format string, v ...interface{}) {
	get().Debug(format, v...)
}

func Info(format string, v ...interface{}) {
	get().Info(format, v...)
}

func Warn(format string, v ...interface{}) {
	get().Warn(format, v...)
}

func Error(format string, v ...interface{}) {
	get().Error(format, v...)
}

// Fatal logs at critical level and exits the process.
func Fatal(format string, v ...interface{}) {
	l := get()
	l.Critical(format, v...)
	l.Flush()
	os.Exit(1)
}

// Close flushes and closes all adapters.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		logger.Close()
		logger = nil
	}
}
