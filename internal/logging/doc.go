// Package logging builds the slog loggers used across the daemon and CLI.
//
// It provides a console handler for interactive use, a JSON handler for log
// shipping, typed attribute helpers, and context plumbing that stamps project,
// task, stage, and correlation identifiers onto every record produced while a
// pipeline task is in flight.
package logging
