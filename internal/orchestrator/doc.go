// Package orchestrator owns the project state machine. It plans stage tasks,
// meters credits stage by stage through the ledger, interprets quality gate
// outcomes, and parks projects that run out of credit instead of failing them.
package orchestrator
