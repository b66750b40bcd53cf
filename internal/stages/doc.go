// Package stages implements the five pipeline stage handlers. Each handler
// wraps collaborator calls in the shared error taxonomy so the retry policy
// can tell a bad document from a flaky service.
package stages
