// Package monitoring holds the replaceable diagnostic logger and the
// Prometheus collector for the fusion pipeline.
package monitoring

import "log"

// Logf is the package-level diagnostic logger used by library packages. It
// defaults to log.Printf. Messages carry a bracketed component prefix such as
// "[gate]" or "[pipeline]".
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}

// Component returns a logger that prefixes every message with "[name] ".
// The returned func resolves Logf at call time, so a later SetLogger still
// applies.
func Component(name string) func(format string, v ...any) {
	prefix := "[" + name + "] "
	return func(format string, v ...any) {
		Logf(prefix+format, v...)
	}
}
