// Package qc implements the quality gate that rendered outputs must pass
// before a project can complete. Technical checks inspect the render probe;
// content checks are delegated to a moderation collaborator.
package qc
