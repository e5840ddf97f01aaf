// Package store persists the pipeline data model: projects, their tasks,
// quality check results, and the credit ledger tables, all in a single SQLite
// database.
//
// The store is intentionally mechanical. Status transition policy lives in the
// orchestrator; the store only enforces invariants that must hold at the
// persistence boundary (terminal tasks are immutable, dispatch eligibility is
// evaluated atomically when a worker claims a task).
package store
