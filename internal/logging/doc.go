// Package logging assembles structured slog loggers and formatting helpers
// used across fetchd components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes attribute helpers so queue, provider, and tracker code
// tag log lines with consistent job, user, and session identifiers. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
package logging
