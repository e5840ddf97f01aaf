// Package daemon coordinates the long-running pipeline process.
//
// It wires configuration, the SQLite store, the credit ledger, the
// orchestrator, the scheduler worker pools, and the HTTP API into a single
// lifecycle with flock-based locking to prevent multiple instances. Keep
// orchestration logic out of here: the daemon focuses on startup, shutdown,
// and wiring.
package daemon
