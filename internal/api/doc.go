// Package api exposes the validator over HTTP: synchronous validation of
// signed envelopes, asynchronous validation jobs, account lookups, health
// and metrics.
package api
