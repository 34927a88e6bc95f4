// Package logx wraps zerolog behind a small structured-logging API.
//
// A Logger is a value; the zero value is a safe no-op. Loggers created from a
// Service stay live across Service.Apply() calls, so sinks and levels can be
// reconfigured at runtime without re-threading loggers through the app.
package logx
