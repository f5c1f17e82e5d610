package observability

import "runtime/debug"

// RecoverPanic logs a recovered panic with its stack trace and swallows
// it. Meant for defer at goroutine and lifecycle-hook boundaries where one
// misbehaving callback must not take the process down:
//
//	defer observability.RecoverPanic(logger, "membership lifecycle hook")
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic": r,
			"where": where,
			"stack": string(debug.Stack()),
		}).Error("panic recovered")
	}
}
