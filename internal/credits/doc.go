// Package credits implements the cost estimator and the credit ledger.
//
// The ledger is append-only: every balance change is an immutable entry, and a
// user's balance is the sum of their entries. Provisional debits go through
// reserve/release/settle so an estimate that differs from actual consumption
// nets out exactly. Webhook grants are deduplicated by external event id.
package credits
