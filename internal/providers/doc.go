// Package providers defines the generation provider contract, the capability
// registry the scheduler dispatches through, and the deterministic synthetic
// provider used for development and tests.
package providers
