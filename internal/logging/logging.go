// Package logging wraps the standard logger with the one-line-per-event
// style the teacher uses throughout session.go/hub.go/topic.go, so call
// sites read as leveled logs instead of bare log.Println.
package logging

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// Infof logs an informational, expected event (bind, unbind, reap, etc).
func Infof(format string, args ...interface{}) {
	std.Printf("INFO  "+format, args...)
}

// Warnf logs a recoverable problem (slow consumer, auth failure).
func Warnf(format string, args ...interface{}) {
	std.Printf("WARN  "+format, args...)
}

// Errorf logs an unexpected failure (persistence error, decode panic).
func Errorf(format string, args ...interface{}) {
	std.Printf("ERROR "+format, args...)
}
