// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"log"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Timed logs how long the surrounding call took when the returned func runs.
// Usage: defer monitoring.Timed("[search] round np=%d", np)()
func Timed(format string, v ...interface{}) func() {
	start := time.Now()
	return func() {
		args := append(append([]interface{}{}, v...), time.Since(start).Round(time.Microsecond))
		Logf(format+" took %v", args...)
	}
}
