package util

import (
	"fmt"

	"go.uber.org/zap"
)

// SafeGo runs fn in a new goroutine. A panic inside fn is logged and swallowed.
func SafeGo(log *zap.Logger, name string, fn func()) {
	go func() {
		defer Recover(log, name)
		fn()
	}()
}

// Recover is meant to be deferred at the top of long-lived goroutines.
func Recover(log *zap.Logger, name string) {
	if r := recover(); r != nil {
		log.Error("recovered panic",
			zap.String("task", name),
			zap.String("panic", fmt.Sprint(r)),
			zap.Stack("stack"),
		)
	}
}
