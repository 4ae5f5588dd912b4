package defs

import "fmt"

import "github.com/sirupsen/logrus"

import "github.com/Phoenix597/Boxedwine/caller"

/// Kpanic logs the formatted message and the current call chain, then
/// panics. It is the disposition for every "fatal" error kind: the
/// address-space invariants no longer hold, so recovery is not
/// attempted.
func Kpanic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	caller.Callerdump(2)
	logrus.WithField("subsystem", "core").Error(msg)
	panic(msg)
}
