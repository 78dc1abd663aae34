package internal

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/embermq/embermq/logger"
)

const (
	colorReset   = "\033[0m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorPurple  = "\033[35m"
	colorCyan    = "\033[36m"
	colorBoldRed = "\033[1;31m"
)

// Flag to determine if we're logging to a terminal (with colors) or a file
var IsTerminal bool

func init() {
	// Check if stdout is a terminal
	fileInfo, _ := os.Stdout.Stat()
	IsTerminal = (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Get caller function name for logging
func getCallerName() string {
	pc, _, _, _ := runtime.Caller(2) // Use depth 2 to get the actual caller, not the logging function
	caller := runtime.FuncForPC(pc).Name()
	parts := strings.Split(caller, ".")
	return parts[len(parts)-1]
}

// Fatal logs a message with Fatal level and exits with code 1
func (b *Broker) Fatal(format string, args ...interface{}) {
	// If using a custom logger, delegate to it
	if b.customLogger != nil && b.customLogger != logger.Logger(b) {
		b.customLogger.Fatal(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[FATAL]%s %s%s%s: ", colorBoldRed, colorReset, colorCyan, funcName, colorReset)
		b.internalLogger.Printf(prefix+format, args...)
	} else {
		b.internalLogger.Printf("[FATAL] %s: "+format, append([]interface{}{funcName}, args...)...)
	}

	os.Exit(1) // Exit with error code 1
}

// Err logs a message with Error level
func (b *Broker) Err(format string, args ...interface{}) {
	if b.customLogger != nil && b.customLogger != logger.Logger(b) {
		b.customLogger.Err(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[ERROR]%s %s%s%s: ", colorBoldRed, colorReset, colorCyan, funcName, colorReset)
		b.internalLogger.Printf(prefix+format, args...)
	} else {
		b.internalLogger.Printf("[ERROR] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Warn logs a message with Warning level
func (b *Broker) Warn(format string, args ...interface{}) {
	if b.customLogger != nil && b.customLogger != logger.Logger(b) {
		b.customLogger.Warn(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[WARN]%s %s%s%s: ", colorYellow, colorReset, colorCyan, funcName, colorReset)
		b.internalLogger.Printf(prefix+format, args...)
	} else {
		b.internalLogger.Printf("[WARN] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Info logs a message with Info level
func (b *Broker) Info(format string, args ...interface{}) {
	if b.customLogger != nil && b.customLogger != logger.Logger(b) {
		b.customLogger.Info(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[INFO]%s %s%s%s: ", colorGreen, colorReset, colorCyan, funcName, colorReset)
		b.internalLogger.Printf(prefix+format, args...)
	} else {
		b.internalLogger.Printf("[INFO] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Debug logs a message with Debug level
func (b *Broker) Debug(format string, args ...interface{}) {
	if b.customLogger != nil && b.customLogger != logger.Logger(b) {
		b.customLogger.Debug(format, args...)
		return
	}

	// Only log debug messages if EMBERMQ_DEBUG environment variable is set
	if os.Getenv("EMBERMQ_DEBUG") != "1" {
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[DEBUG]%s %s%s%s: ", colorPurple, colorReset, colorCyan, funcName, colorReset)
		b.internalLogger.Printf(prefix+format, args...)
	} else {
		b.internalLogger.Printf("[DEBUG] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Logger returns the logger the broker writes through.
func (b *Broker) Logger() logger.Logger {
	// If using a custom logger, return it
	if b.customLogger != nil {
		return b.customLogger
	}
	// Otherwise the broker itself implements the Logger interface
	return b
}
