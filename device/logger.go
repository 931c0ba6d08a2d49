/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"log"
	"os"
)

// LogLevel selects which of a Logger's two functions are wired to an
// actual log.Logger versus a discarding stub, so a disabled level costs a
// function call rather than a log.Logger call plus string formatting.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelVerbose
)

// Logger is the device core's only ambient logging dependency: two
// printf-shaped functions, each a no-op when its level is disabled. This
// mirrors wireguard-go's own Logger exactly rather than introducing a
// structured-logging library — the core never formats structured fields,
// only short operator-facing lines, so the extra surface would buy
// nothing here.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

func discardf(format string, args ...any) {}

// NewLogger builds a Logger writing to stderr, prefixing every line with
// prepend, and silently discarding anything below level.
func NewLogger(level LogLevel, prepend string) *Logger {
	logger := &Logger{Verbosef: discardf, Errorf: discardf}

	if level >= LogLevelVerbose {
		l := log.New(os.Stderr, prepend+"DEBUG: ", log.Ldate|log.Ltime)
		logger.Verbosef = func(format string, args ...any) { l.Printf(format, args...) }
	}
	if level >= LogLevelError {
		l := log.New(os.Stderr, prepend+"ERROR: ", log.Ldate|log.Ltime)
		logger.Errorf = func(format string, args ...any) { l.Printf(format, args...) }
	}
	return logger
}
