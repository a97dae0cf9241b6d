package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// SetLogLevel applies a level name ("debug", "info", "warn", "error").
// Unknown names keep the default.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "info":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	}
}

// SetLogFile redirects log output to a size-rotated file instead of
// stderr. Color is disabled since the output is no longer a terminal.
func SetLogFile(path string) {
	pterm.DisableColor()
	pterm.DefaultLogger.Writer = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MiB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}
