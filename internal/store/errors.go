package store

import "errors"

// ErrTerminalTask is returned when an update targets a task that has already
// reached a terminal status.
var ErrTerminalTask = errors.New("task is in a terminal status")

// ErrInvalidTransition is returned when a project status change violates the
// state machine graph.
var ErrInvalidTransition = errors.New("invalid project status transition")

// ErrStageMismatch is returned when a task is enqueued for a stage the project
// is not in.
var ErrStageMismatch = errors.New("task stage does not match project status")
