// Package notify pushes pipeline lifecycle events to a configured webhook.
package notify
