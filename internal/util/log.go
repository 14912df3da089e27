// Package util provides the logger and traffic counters shared by every layer.
package util

import (
	"encoding/hex"
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// maxFrameDump bounds how much of a payload LogFrame prints.
const maxFrameDump = 32

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LogFrame traces one wire frame at debug level. dir is ">>" or "<<".
func LogFrame(dir, name string, payload []byte) {
	if pterm.DefaultLogger.Level > pterm.LogLevelDebug {
		return
	}
	dump := payload
	if len(dump) > maxFrameDump {
		dump = dump[:maxFrameDump]
	}
	pterm.DefaultLogger.Debug(fmt.Sprintf("%s %s len=%d %s", dir, name, len(payload), hex.EncodeToString(dump)))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
