// Package api exposes the pipeline over HTTP: project submission, inspection,
// cancellation, cost estimates, credit balances, and the payment provider
// webhook.
package api
