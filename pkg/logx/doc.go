// Package logx wraps zerolog behind a small value-type Logger.
//
// The zero value is a safe no-op logger. Loggers derived from a Service stay
// live across Service.Apply calls, so log level and sinks can change at
// runtime without re-plumbing loggers through the app.
package logx
