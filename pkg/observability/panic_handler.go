package observability

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with the stack.
//
// Call it in a defer statement:
//
//	defer observability.RecoverPanic(logger, "rotate invite")
//
// The panic is not re-raised.
func RecoverPanic(logger logrus.FieldLogger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback recovers from a panic, logs it, then runs callback
func RecoverPanicWithCallback(logger logrus.FieldLogger, where string, callback func(r interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger logrus.FieldLogger, where string, r interface{}) {
	logger.WithFields(logrus.Fields{
		"panic":   r,
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
