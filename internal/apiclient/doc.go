// Package apiclient is the HTTP client the CLI uses to talk to the daemon.
package apiclient
