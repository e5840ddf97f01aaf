// Package scheduler dispatches pending tasks to provider worker pools. It
// enforces per-type timeouts, retry backoff with jitter, heartbeat liveness,
// and cooperative cancellation, and reports terminal outcomes to a sink.
package scheduler
