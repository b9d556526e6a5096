// Package rlog wraps logrus with the call-site-first logging idiom
// the teacher's fs package uses (fs.Debugf(obj, fmt, args...)):
// every call names the subsystem or object the message is about
// before the format string, so log lines are greppable by entity.
package rlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

// Configure sets the output level; called once from cmd/repertory
// after config is loaded.
func Configure(level logrus.Level) {
	std.SetLevel(level)
}

// Logger exposes the underlying logrus instance for consumers (such
// as the event bus's logging_consumer equivalent) that want to attach
// hooks or change formatters.
func Logger() *logrus.Logger {
	return std
}

func line(subject interface{}, format string, args ...interface{}) string {
	return fmt.Sprintf("%v: %s", subject, fmt.Sprintf(format, args...))
}

// Tracef logs at trace level, scoped to subject.
func Tracef(subject interface{}, format string, args ...interface{}) {
	std.Trace(line(subject, format, args...))
}

// Debugf logs at debug level, scoped to subject.
func Debugf(subject interface{}, format string, args ...interface{}) {
	std.Debug(line(subject, format, args...))
}

// Infof logs at info level, scoped to subject.
func Infof(subject interface{}, format string, args ...interface{}) {
	std.Info(line(subject, format, args...))
}

// Warnf logs at warn level, scoped to subject.
func Warnf(subject interface{}, format string, args ...interface{}) {
	std.Warn(line(subject, format, args...))
}

// Errorf logs at error level, scoped to subject.
func Errorf(subject interface{}, format string, args ...interface{}) {
	std.Error(line(subject, format, args...))
}

// Criticalf logs at the highest level; used for faults that should
// page an operator (persistent store corruption, out-of-memory).
func Criticalf(subject interface{}, format string, args ...interface{}) {
	std.WithField("critical", true).Error(line(subject, format, args...))
}
